// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"blockwatch.cc/meterpay/pkg/chain"
)

// clientMachine drives a client with random owner, payer and broker
// actions and checks the lifecycle invariants after every step.
type clientMachine struct {
	c       *Client
	key     *chain.KeySigner
	now     int64
	counter uint64 // highest counter handed out so far
}

func (m *clientMachine) run(t *rapid.T, fn func() ([]chain.Message, error)) {
	prevState, prevUnits := m.c.State, m.c.Counter
	_, err := apply(t, m.c, fn)
	if err != nil {
		t.Logf("rejected: %v", err)
	}
	require.GreaterOrEqual(t, m.c.Counter, prevUnits, "counter went back")
	require.GreaterOrEqual(t, m.c.State, prevState, "state went back")
	if prevState == StateClosed {
		require.Equal(t, StateClosed, m.c.State, "closed is absorbing")
	}
	if m.c.State == StateOpen {
		require.GreaterOrEqual(t, m.c.Balance, m.c.Stake, "open client below stake")
	}
}

func (m *clientMachine) attest(t *rapid.T, op uint32) SignedAttestation {
	// mostly fresh counters, sometimes stale or repeated ones
	next := m.counter + rapid.Uint64Range(0, 20).Draw(t, "units")
	if rapid.Bool().Draw(t, "stale") && m.counter > 0 {
		next = rapid.Uint64Range(0, m.counter).Draw(t, "old")
	}
	if next > m.counter {
		m.counter = next
	}
	return sign(t, m.key, op, next, m.c.Address())
}

func TestClientInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		balance := chain.Coins(rapid.Uint64Range(1, 100_000).Draw(t, "balance"))
		stake := chain.Coins(rapid.Uint64Range(1, uint64(balance)).Draw(t, "stake"))
		c, key := newTestClient(t, balance, stake)
		m := &clientMachine{c: c, key: key, now: NOW}

		t.Repeat(map[string]func(*rapid.T){
			"top_up": func(t *rapid.T) {
				amount := chain.Coins(rapid.Uint64Range(0, 50_000).Draw(t, "amount"))
				m.run(t, func() ([]chain.Message, error) {
					return m.c.TopUp(newCtx(STRANGER, amount+ForwardFee, m.now), TopUpRequest{Amount: amount})
				})
			},
			"withdraw": func(t *rapid.T) {
				m.run(t, func() ([]chain.Message, error) {
					return m.c.Withdraw(newCtx(CLIENT_OWNER, ForwardFee, m.now), OwnerRequest{})
				})
			},
			"increase_stake": func(t *rapid.T) {
				s := chain.Coins(rapid.Uint64Range(0, 200_000).Draw(t, "stake"))
				m.run(t, func() ([]chain.Message, error) {
					return m.c.IncreaseStake(newCtx(CLIENT_OWNER, 0, m.now), ClientIncreaseStakeRequest{NewStake: s})
				})
			},
			"request_refund": func(t *rapid.T) {
				m.run(t, func() ([]chain.Message, error) {
					return m.c.RequestRefund(newCtx(CLIENT_OWNER, ForwardFee, m.now), OwnerRequest{})
				})
			},
			"charge": func(t *rapid.T) {
				sa := m.attest(t, AttestCharge)
				m.run(t, func() ([]chain.Message, error) {
					return m.c.Charge(newCtx(chain.ZeroAddress, 0, m.now), sa)
				})
			},
			"grant_refund": func(t *rapid.T) {
				sa := m.attest(t, AttestGrantRefund)
				m.run(t, func() ([]chain.Message, error) {
					return m.c.GrantRefund(newCtx(chain.ZeroAddress, 0, m.now), sa)
				})
			},
			"wait": func(t *rapid.T) {
				m.now += rapid.Int64Range(0, 2*int64(m.c.Params.ClientCloseDelay)).Draw(t, "seconds")
			},
		})
	})
}

func TestWorkerCounterMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w, key := newTestWorker(t)
		counters := rapid.SliceOfN(rapid.Uint64Range(0, 1_000), 1, 30).Draw(t, "counters")
		var stored uint64
		for i, n := range counters {
			op := AttestPayout
			if i == len(counters)-1 && rapid.Bool().Draw(t, "last") {
				op = AttestLastPayout
			}
			_, err := apply(t, w, func() ([]chain.Message, error) {
				return w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, op, n, w.Address()))
			})
			switch {
			case op == AttestPayout && n > stored, op == AttestLastPayout && n >= stored:
				require.NoError(t, err)
				stored = n
			default:
				require.ErrorIs(t, err, ErrStaleCounter)
			}
			require.Equal(t, stored, w.Counter)
		}
	})
}

func TestReplayAlwaysStale(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c, key := newTestClient(t, 1_000_000_000, 1)
		n := rapid.Uint64Range(1, 1_000).Draw(t, "counter")
		_, err := c.Charge(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestCharge, n, c.Address()))
		require.NoError(t, err)

		m := rapid.Uint64Range(0, n).Draw(t, "replay")
		sa, err := SignAttestation(key, Attestation{
			Op:      AttestCharge,
			QueryID: rapid.Uint64().Draw(t, "query"),
			Counter: m,
			Target:  c.Address(),
		}, chain.ZeroAddress)
		require.NoError(t, err)
		_, err = c.Charge(newCtx(chain.ZeroAddress, 0, NOW), sa)
		require.ErrorIs(t, err, ErrStaleCounter)
		require.Equal(t, n, c.Counter)
	})
}

func TestForeignTargetAlwaysMismatch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c, key := newTestClient(t, 1_000_000_000, 1)
		var target chain.Address
		copy(target[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "target"))
		if target == c.Address() {
			t.Skip("own address")
		}
		n := rapid.Uint64Range(1, 1_000).Draw(t, "counter")
		_, err := c.Charge(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestCharge, n, target))
		require.ErrorIs(t, err, ErrAddressMismatch)
	})
}

var RELAYER = chain.WalletAddress("relayer")

// networkMachine drives a whole network with random wallet, relayer and
// clock actions. Wallets are credited exactly what they send, so the
// coin supply is known at every step.
type networkMachine struct {
	n        *network
	qid      uint64
	supply   chain.Coins
	credited map[chain.Address]chain.Coins
}

func (m *networkMachine) send(t *rapid.T, from, to chain.Address, value chain.Coins, op uint32, payload any) {
	m.n.ledger.Credit(from, value)
	m.credited[from] += value
	m.supply += value
	if rec := m.n.send(t, from, to, value, op, payload); !rec.Ok() {
		t.Logf("rejected 0x%08x: %v", op, rec.Err)
	}
}

func (m *networkMachine) external(t *rapid.T, to chain.Address, buf []byte) {
	if rec := m.n.external(to, buf); !rec.Ok() {
		t.Logf("rejected external: %v", rec.Err)
	}
}

func (m *networkMachine) next() uint64 {
	m.qid++
	return m.qid
}

func (m *networkMachine) check(t *rapid.T) {
	n := m.n
	var total chain.Coins
	for _, a := range n.ledger.Accounts() {
		total += n.ledger.Funds(a)
	}
	require.Equal(t, m.supply, total, "coins created or lost")
	n.requireBacked(t)

	// the client owner never gets back more than it paid plus the
	// initial deposit of its client
	require.LessOrEqual(t, n.ledger.Funds(CLIENT_OWNER), m.credited[CLIENT_OWNER]+1)

	if c := n.client; c.State == StateOpen {
		require.GreaterOrEqual(t, c.Balance, c.Stake)
	}
}

func TestNetworkConservesFunds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := newNetwork(t)
		m := &networkMachine{n: n, credited: make(map[chain.Address]chain.Coins)}
		for _, a := range n.ledger.Accounts() {
			m.supply += n.ledger.Funds(a)
		}
		c, w, b := n.client, n.worker, n.broker

		t.Repeat(map[string]func(*rapid.T){
			"top_up": func(t *rapid.T) {
				amount := chain.Coins(rapid.Uint64Range(0, 2*uint64(chain.Coin)).Draw(t, "amount"))
				m.send(t, CLIENT_OWNER, c.Address(), amount+ForwardFee, OpClientTopUp, TopUpRequest{
					QueryID:        m.next(),
					Amount:         amount,
					SendExcessesTo: CLIENT_OWNER,
				})
			},
			"serve_and_charge": func(t *rapid.T) {
				prompt := rapid.Uint64Range(1, 2_000_000).Draw(t, "prompt")
				n.oracle.Record(c.Address(), w.Address(), Usage{Prompt: prompt})
				m.external(t, c.Address(), mustBody(n.oracle.Charge(c.Address(), m.next(), RELAYER)))
			},
			"payout": func(t *rapid.T) {
				m.external(t, w.Address(), mustBody(n.oracle.Payout(w.Address(), m.next(), RELAYER)))
			},
			"withdraw": func(t *rapid.T) {
				m.send(t, CLIENT_OWNER, c.Address(), ForwardFee, OpClientWithdraw, OwnerRequest{QueryID: m.next(), SendExcessesTo: CLIENT_OWNER})
			},
			"increase_stake": func(t *rapid.T) {
				s := chain.Coins(rapid.Uint64Range(0, 3*uint64(chain.Coin)).Draw(t, "stake"))
				m.send(t, CLIENT_OWNER, c.Address(), ForwardFee, OpClientIncreaseStake, ClientIncreaseStakeRequest{QueryID: m.next(), NewStake: s})
			},
			"request_refund": func(t *rapid.T) {
				m.send(t, CLIENT_OWNER, c.Address(), ForwardFee, OpClientRequestRefund, OwnerRequest{QueryID: m.next(), SendExcessesTo: CLIENT_OWNER})
			},
			"grant_refund": func(t *rapid.T) {
				m.external(t, c.Address(), mustBody(n.oracle.GrantRefund(c.Address(), m.next(), RELAYER)))
			},
			"owner_payout": func(t *rapid.T) {
				amount := chain.Coins(rapid.Uint64Range(0, uint64(b.Balance)+1).Draw(t, "payout"))
				m.send(t, BROKER_OWNER, b.Address(), ForwardFee, OpBrokerPayoutRequest, PayoutRequest{QueryID: m.next(), Amount: amount})
			},
			"broker_close": func(t *rapid.T) {
				m.send(t, BROKER_OWNER, b.Address(), 0, OpBrokerOwnerClose, OwnerRequest{QueryID: m.next()})
			},
			"broker_close_complete": func(t *rapid.T) {
				m.external(t, b.Address(), mustBody(n.oracle.CloseComplete(b.Address(), m.next())))
			},
			"wait": func(t *rapid.T) {
				n.ledger.Advance(rapid.Int64Range(0, int64(b.Params.BrokerCloseDelay)).Draw(t, "seconds"))
			},
			"": m.check,
		})
	})
}
