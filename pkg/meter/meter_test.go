// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"bytes"

	"github.com/stretchr/testify/require"

	"blockwatch.cc/meterpay/pkg/chain"
)

const NOW int64 = 1_700_000_000

var (
	OWNER        = chain.WalletAddress("registry.owner")
	BROKER_OWNER = chain.WalletAddress("broker.owner")
	WORKER_OWNER = chain.WalletAddress("worker.owner")
	CLIENT_OWNER = chain.WalletAddress("client.owner")
	STRANGER     = chain.WalletAddress("stranger")
)

func testParams() Params {
	return Params{
		Version:              1,
		PricePerUnit:         1000,
		BrokerFeePerUnit:     100,
		PromptMultiplier:     MultiplierOne,
		CachedMultiplier:     MultiplierOne / 2,
		CompletionMultiplier: 2 * MultiplierOne,
		ReasoningMultiplier:  2 * MultiplierOne,
		BrokerCloseDelay:     3600,
		ClientCloseDelay:     600,
		MinBrokerStake:       10,
		MinClientStake:       1,
		BrokerCode:           CodeHashOf([]byte("broker")),
		WorkerCode:           CodeHashOf([]byte("worker")),
		ClientCode:           CodeHashOf([]byte("client")),
	}
}

func testKey(t require.TestingT, seed byte) *chain.KeySigner {
	key, err := chain.NewKeySigner(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return key
}

// newCtx calls a handler on a well funded account.
func newCtx(sender chain.Address, value chain.Coins, now int64) *chain.CallContext {
	return &chain.CallContext{
		Sender: sender,
		Value:  value,
		Funds:  value + 1_000*chain.Coin,
		Now:    now,
	}
}

func newTestBroker(t require.TestingT, stake chain.Coins) (*Broker, *chain.KeySigner) {
	key := testKey(t, 1)
	b, err := NewBroker(BROKER_OWNER, key.Pubkey(), chain.WalletAddress("registry"), testParams(), stake)
	require.NoError(t, err)
	return b, key
}

func newTestClient(t require.TestingT, balance, stake chain.Coins) (*Client, *chain.KeySigner) {
	b, key := newTestBroker(t, 10)
	c, err := b.NewClient(CLIENT_OWNER, balance, stake)
	require.NoError(t, err)
	return c, key
}

func newTestWorker(t require.TestingT) (*Worker, *chain.KeySigner) {
	b, key := newTestBroker(t, 10)
	w, err := b.NewWorker(WORKER_OWNER)
	require.NoError(t, err)
	return w, key
}

func sign(t require.TestingT, key chain.Signer, op uint32, counter uint64, target chain.Address) SignedAttestation {
	sa, err := SignAttestation(key, Attestation{
		Op:      op,
		QueryID: counter,
		Counter: counter,
		Target:  target,
	}, chain.ZeroAddress)
	require.NoError(t, err)
	return sa
}

func body(t require.TestingT, op uint32, payload any) []byte {
	buf, err := chain.EncodeBody(op, payload)
	require.NoError(t, err)
	return buf
}

// decodeMsg checks the opcode of an outbound message and decodes its
// payload.
func decodeMsg[T any](t require.TestingT, msg chain.Message, op uint32) T {
	var v T
	got, payload, err := chain.DecodeBody(msg.Body)
	require.NoError(t, err)
	require.Equal(t, op, got, "outbound opcode")
	require.NoError(t, chain.DecodePayload(payload, &v))
	return v
}

// apply runs a handler and restores the account when it fails, the way
// the ledger does.
func apply(t require.TestingT, c chain.Contract, fn func() ([]chain.Message, error)) ([]chain.Message, error) {
	snap, err := c.MarshalState()
	require.NoError(t, err)
	msgs, err := fn()
	if err != nil {
		require.NoError(t, c.UnmarshalState(snap))
	}
	return msgs, err
}
