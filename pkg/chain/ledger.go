// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package chain

import (
	"sort"
	"sync"

	errorsmod "cosmossdk.io/errors"
	logpkg "github.com/echa/log"
)

var log logpkg.Logger = logpkg.Log

// UseLogger replaces the package logger.
func UseLogger(l logpkg.Logger) {
	log = l
}

// Receipt records the outcome of one delivered message.
type Receipt struct {
	Msg       Message
	Err       error
	Codespace string
	Code      uint32 // zero on success
	Sent      int    // outbound messages enqueued
	Dropped   int    // outbound messages the sender could not fund
	Bounced   bool   // value was returned to the refund address
}

func (r Receipt) Ok() bool {
	return r.Err == nil
}

// Ledger is an in-process message substrate. It totally orders delivery
// through a single FIFO queue, so messages between any two accounts keep
// their send order and every contract sees one message at a time.
type Ledger struct {
	mu          sync.Mutex
	now         int64
	contracts   map[Address]Contract
	funds       map[Address]Coins
	queue       []Message
	receipts    []Receipt
	maxSteps    int
	maxReceipts int
}

func NewLedger(now int64) *Ledger {
	return &Ledger{
		now:         now,
		contracts:   make(map[Address]Contract),
		funds:       make(map[Address]Coins),
		maxSteps:    10000,
		maxReceipts: 10000,
	}
}

// SetReceiptLimit bounds the kept delivery trace, older receipts are
// discarded first. Zero keeps everything.
func (l *Ledger) SetReceiptLimit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxReceipts = n
	l.trim()
}

func (l *Ledger) Now() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

func (l *Ledger) SetTime(now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) Advance(seconds int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now += seconds
	return l.now
}

// Deploy installs a contract with initial funds.
func (l *Ledger) Deploy(c Contract, funds Coins) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := c.Address()
	if _, ok := l.contracts[addr]; ok {
		return ErrAccountExists.Wrapf("%s", addr)
	}
	l.contracts[addr] = c
	l.funds[addr] += funds
	log.Debugf("deployed kind=%d at %s with %s", c.Kind(), addr, funds)
	return nil
}

func (l *Ledger) Contract(addr Address) (Contract, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[addr]
	return c, ok
}

func (l *Ledger) Funds(addr Address) Coins {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.funds[addr]
}

// Credit mints value into any account, used to fund wallets.
func (l *Ledger) Credit(addr Address, value Coins) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funds[addr] += value
}

// Accounts lists all known addresses (contracts and funded wallets) in
// ascending order.
func (l *Ledger) Accounts() []Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[Address]struct{}, len(l.funds)+len(l.contracts))
	for a := range l.funds {
		seen[a] = struct{}{}
	}
	for a := range l.contracts {
		seen[a] = struct{}{}
	}
	list := make([]Address, 0, len(seen))
	for a := range seen {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		return string(list[i][:]) < string(list[j][:])
	})
	return list
}

// Receipts returns the kept delivery trace, oldest first.
func (l *Ledger) Receipts() []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]Receipt, len(l.receipts))
	copy(res, l.receipts)
	return res
}

// Send injects a message and runs the queue until it drains. Value of
// messages from wallets is taken from the wallet's funds when available
// and minted otherwise. The returned receipt belongs to msg itself.
func (l *Ledger) Send(msg Message) Receipt {
	return l.SendTrace(msg)[0]
}

// SendTrace is Send returning the receipts of msg and of every follow-up
// message it caused, in delivery order.
func (l *Ledger) SendTrace(msg Message) []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, isContract := l.contracts[msg.From]; !isContract && !msg.From.IsZero() {
		l.funds[msg.From] = l.funds[msg.From].SafeSub(msg.Value)
	}
	first := len(l.receipts)
	l.queue = append(l.queue, msg)
	l.run()
	trace := make([]Receipt, len(l.receipts)-first)
	copy(trace, l.receipts[first:])
	l.trim()
	return trace
}

func (l *Ledger) trim() {
	if l.maxReceipts <= 0 || len(l.receipts) <= l.maxReceipts {
		return
	}
	n := len(l.receipts) - l.maxReceipts
	l.receipts = append(l.receipts[:0:0], l.receipts[n:]...)
}

func (l *Ledger) run() {
	for steps := 0; len(l.queue) > 0; steps++ {
		if steps >= l.maxSteps {
			log.Warnf("message queue not drained after %d steps, %d pending", steps, len(l.queue))
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		rec := l.deliver(msg)
		l.receipts = append(l.receipts, rec)
		observe(rec)
	}
}

func (l *Ledger) deliver(msg Message) Receipt {
	rec := Receipt{Msg: msg}
	c, ok := l.contracts[msg.To]
	l.funds[msg.To] += msg.Value
	if !ok {
		return rec
	}

	snap, err := c.MarshalState()
	if err != nil {
		rec.Err = ErrDecodeState.Wrap(err.Error())
		rec.Codespace, rec.Code, _ = errorsmod.ABCIInfo(rec.Err, false)
		return rec
	}
	ctx := &CallContext{
		Self:   msg.To,
		Sender: msg.From,
		Value:  msg.Value,
		Funds:  l.funds[msg.To],
		Now:    l.now,
	}
	out, err := c.Receive(ctx, msg.Body)
	if err != nil {
		if rerr := c.UnmarshalState(snap); rerr != nil {
			log.Errorf("restoring %s after failed message: %v", msg.To, rerr)
		}
		l.funds[msg.To] -= msg.Value
		rec.Err = err
		rec.Codespace, rec.Code, _ = errorsmod.ABCIInfo(err, false)
		if msg.Bounce && msg.Value > 0 && !msg.From.IsZero() {
			to := msg.RefundTo
			if to.IsZero() {
				to = msg.From
			}
			l.queue = append(l.queue, Message{
				From:  msg.To,
				To:    to,
				Value: msg.Value,
			})
			rec.Bounced = true
			log.Debugf("bounced %s from %s to %s: %v", msg.Value, msg.To.Short(), to.Short(), err)
		}
		return rec
	}

	for _, m := range out {
		m.From = msg.To
		if m.Mode == SendCarryAll {
			m.Value = l.funds[msg.To]
		}
		if m.Value > l.funds[msg.To] {
			rec.Dropped++
			log.Warnf("dropped message 0x%08x from %s: value %s exceeds funds %s",
				m.Op(), msg.To.Short(), m.Value, l.funds[msg.To])
			continue
		}
		l.funds[msg.To] -= m.Value
		l.queue = append(l.queue, m)
		rec.Sent++
	}
	return rec
}
