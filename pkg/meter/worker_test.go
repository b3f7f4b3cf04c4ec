// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockwatch.cc/meterpay/pkg/chain"
)

func TestWorkerRegister(t *testing.T) {
	w, _ := newTestWorker(t)

	_, err := w.Receive(newCtx(STRANGER, ForwardFee, NOW), body(t, OpWorkerRegister, WorkerRegisterRequest{}))
	assert.ErrorIs(t, err, ErrAuthorization)

	_, err = w.Receive(newCtx(WORKER_OWNER, ForwardFee-1, NOW), body(t, OpWorkerRegister, WorkerRegisterRequest{}))
	assert.ErrorIs(t, err, ErrLowValue)

	msgs, err := w.Receive(newCtx(WORKER_OWNER, ForwardFee, NOW), body(t, OpWorkerRegister, WorkerRegisterRequest{
		QueryID:        5,
		SendExcessesTo: WORKER_OWNER,
	}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, w.Broker, msgs[0].To)
	assert.True(t, msgs[0].Bounce)
	assert.Equal(t, WORKER_OWNER, msgs[0].RefundTo)
	s := decodeMsg[WorkerSettlement](t, msgs[0], OpBrokerWorkerSettle)
	assert.Equal(t, WorkerRegister, s.Kind)
	assert.Equal(t, WORKER_OWNER, s.WorkerOwner)
	assert.Equal(t, uint64(5), s.QueryID)
}

func TestWorkerPayoutTwice(t *testing.T) {
	w, key := newTestWorker(t)
	sa := sign(t, key, AttestPayout, 1000, w.Address())

	msgs, err := w.Receive(newCtx(chain.ZeroAddress, 0, NOW), body(t, OpWorkerSignedPayout, sa))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), w.Counter)
	assert.Equal(t, StateOpen, w.State)
	require.Len(t, msgs, 1)
	assert.Equal(t, ForwardFee, msgs[0].Value, "forwarding paid from own funds")
	s := decodeMsg[WorkerSettlement](t, msgs[0], OpBrokerWorkerSettle)
	assert.Equal(t, WorkerPayout, s.Kind)
	assert.Equal(t, chain.Coins(900_000), s.WorkerPart)
	assert.Equal(t, chain.Coins(100_000), s.BrokerPart)

	_, err = w.Receive(newCtx(chain.ZeroAddress, 0, NOW), body(t, OpWorkerSignedPayout, sa))
	assert.ErrorIs(t, err, ErrStaleCounter, "replayed payout")

	fresh := sign(t, key, AttestPayout, 1000, w.Address())
	fresh.Payload.QueryID = 99
	fresh, err = SignAttestation(key, fresh.Payload, chain.ZeroAddress)
	require.NoError(t, err)
	_, err = w.Receive(newCtx(chain.ZeroAddress, 0, NOW), body(t, OpWorkerSignedPayout, fresh))
	assert.ErrorIs(t, err, ErrStaleCounter, "fresh signature, same counter")
	assert.Equal(t, uint64(1000), w.Counter)
}

func TestWorkerPayoutDelta(t *testing.T) {
	w, key := newTestWorker(t)
	_, err := w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestPayout, 10, w.Address()))
	require.NoError(t, err)

	msgs, err := w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestPayout, 15, w.Address()))
	require.NoError(t, err)
	s := decodeMsg[WorkerSettlement](t, msgs[0], OpBrokerWorkerSettle)
	assert.Equal(t, chain.Coins(5*900), s.WorkerPart, "only new units")
	assert.Equal(t, chain.Coins(5*100), s.BrokerPart)
}

func TestWorkerLastPayout(t *testing.T) {
	w, key := newTestWorker(t)
	_, err := w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestPayout, 10, w.Address()))
	require.NoError(t, err)

	// the final claim may repeat the stored counter
	msgs, err := w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestLastPayout, 10, w.Address()))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, w.State)
	s := decodeMsg[WorkerSettlement](t, msgs[0], OpBrokerWorkerSettle)
	assert.Equal(t, WorkerLastPayout, s.Kind)
	assert.Zero(t, s.WorkerPart)

	_, err = w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestPayout, 20, w.Address()))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = w.Register(newCtx(WORKER_OWNER, ForwardFee, NOW), WorkerRegisterRequest{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerPayoutOverflow(t *testing.T) {
	w, key := newTestWorker(t)
	_, err := w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestPayout, math.MaxUint64, w.Address()))
	assert.ErrorIs(t, err, ErrBadMessage)
	assert.Zero(t, w.Counter, "counter kept")
	assert.Equal(t, StateOpen, w.State)

	_, err = w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestLastPayout, math.MaxUint64/2, w.Address()))
	assert.ErrorIs(t, err, ErrBadMessage)
	assert.Equal(t, StateOpen, w.State, "not retired")
}

func TestWorkerRejectsForeignAttestations(t *testing.T) {
	w, key := newTestWorker(t)
	c, _ := newTestClient(t, 10, 1)

	_, err := w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestPayout, 10, c.Address()))
	assert.ErrorIs(t, err, ErrAddressMismatch, "attestation for the client")

	_, err = w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestCharge, 10, w.Address()))
	assert.ErrorIs(t, err, ErrUnknownOp, "charge attestation")

	_, err = w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, testKey(t, 3), AttestPayout, 10, w.Address()))
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Zero(t, w.Counter)
}

func TestWorkerState(t *testing.T) {
	w, key := newTestWorker(t)
	_, err := w.Payout(newCtx(chain.ZeroAddress, 0, NOW), sign(t, key, AttestPayout, 10, w.Address()))
	require.NoError(t, err)

	buf, err := w.MarshalState()
	require.NoError(t, err)
	w2 := &Worker{}
	require.NoError(t, w2.UnmarshalState(buf))
	assert.Equal(t, w.Address(), w2.Address())
	assert.Equal(t, w.Info(), w2.Info())

	_, err = w.Receive(newCtx(WORKER_OWNER, 0, NOW), body(t, 0x01020304, Heartbeat{}))
	assert.ErrorIs(t, err, ErrUnknownOp)
	msgs, err := w.Receive(newCtx(WORKER_OWNER, 0, NOW), body(t, OpHeartbeat, Heartbeat{}))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
