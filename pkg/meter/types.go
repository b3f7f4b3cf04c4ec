// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"fmt"

	"blockwatch.cc/meterpay/pkg/chain"
	logpkg "github.com/echa/log"
)

var log logpkg.Logger = logpkg.Log

// UseLogger replaces the package logger.
func UseLogger(l logpkg.Logger) {
	log = l
}

// State is the lifecycle of brokers and clients. Workers skip Closing.
type State uint8

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// isNoop reports messages every account accepts without effect: empty
// and text comment bodies, heartbeats and returned excesses.
func isNoop(op uint32) bool {
	switch op {
	case chain.OpComment, OpHeartbeat, OpExcesses:
		return true
	}
	return false
}

func decode(op uint32, payload []byte, dst any) error {
	if err := chain.DecodePayload(payload, dst); err != nil {
		return ErrBadMessage.Wrapf("op 0x%08x: %v", op, err)
	}
	return nil
}

// excesses returns the unused part of an inbound value to the caller
// chosen address, or to the sender when none was given.
func excesses(ctx *chain.CallContext, to chain.Address, queryID uint64, value chain.Coins) []chain.Message {
	if value == 0 {
		return nil
	}
	if to.IsZero() {
		to = ctx.Sender
	}
	if to.IsZero() {
		return nil
	}
	return []chain.Message{{
		To:    to,
		Value: value,
		Body:  chain.MustEncodeBody(OpExcesses, Excesses{QueryID: queryID}),
	}}
}

// transfer pays value to a wallet with an excesses body so the receiver
// can correlate it with queryID.
func transfer(to chain.Address, value chain.Coins, queryID uint64) chain.Message {
	return chain.Message{
		To:    to,
		Value: value,
		Body:  chain.MustEncodeBody(OpExcesses, Excesses{QueryID: queryID}),
	}
}

// forwardValue is the value a handler attaches to its settlement message.
// Internal callers fund forwarding with the attached value, external
// signed messages are paid from the account's own funds.
func forwardValue(ctx *chain.CallContext) chain.Coins {
	if ctx.Value >= ForwardFee {
		return ctx.Value
	}
	return ForwardFee
}

func requireValue(ctx *chain.CallContext, need chain.Coins) error {
	if ctx.Value < need {
		return ErrLowValue.Wrapf("attached %s, need %s", ctx.Value, need)
	}
	return nil
}

func requireOwner(ctx *chain.CallContext, owner chain.Address) error {
	if ctx.Sender != owner {
		return ErrAuthorization.Wrapf("sender %s is not owner", ctx.Sender)
	}
	return nil
}
