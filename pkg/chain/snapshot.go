// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package chain

import (
	"fmt"
)

// AccountSnapshot is the persisted form of one ledger account.
type AccountSnapshot struct {
	Address Address
	Kind    Kind
	Funds   Coins
	State   []byte // nil for wallets
}

// Factory creates an empty contract of the given kind for restoring
// persisted state.
type Factory func(Kind) (Contract, error)

// Snapshot exports every account. It must not race with Send, the
// ledger lock is held for the whole export.
func (l *Ledger) Snapshot() ([]AccountSnapshot, int64, error) {
	addrs := l.Accounts()
	l.mu.Lock()
	defer l.mu.Unlock()
	snaps := make([]AccountSnapshot, 0, len(addrs))
	for _, a := range addrs {
		s := AccountSnapshot{Address: a, Funds: l.funds[a]}
		if c, ok := l.contracts[a]; ok {
			buf, err := c.MarshalState()
			if err != nil {
				return nil, 0, fmt.Errorf("snapshot %s: %w", a, err)
			}
			s.Kind = c.Kind()
			s.State = buf
		}
		snaps = append(snaps, s)
	}
	return snaps, l.now, nil
}

// Restore rebuilds a ledger from snapshots. Contract addresses are
// recomputed from the decoded state and must match the stored address.
func Restore(snaps []AccountSnapshot, now int64, factory Factory) (*Ledger, error) {
	l := NewLedger(now)
	for _, s := range snaps {
		l.funds[s.Address] = s.Funds
		if s.Kind == KindWallet {
			continue
		}
		c, err := factory(s.Kind)
		if err != nil {
			return nil, err
		}
		if err := c.UnmarshalState(s.State); err != nil {
			return nil, ErrDecodeState.Wrapf("%s: %v", s.Address, err)
		}
		if c.Address() != s.Address {
			return nil, ErrDecodeState.Wrapf("%s: state derives address %s", s.Address, c.Address())
		}
		l.contracts[s.Address] = c
	}
	return l, nil
}
