// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"blockwatch.cc/meterpay/pkg/chain"
	"github.com/near/borsh-go"
)

type WorkerState struct {
	Owner   chain.Address
	Broker  chain.Address
	Pubkey  chain.Pubkey
	State   State
	Counter uint64 // cumulative units claimed
	Params  Params
}

// Worker claims earnings for served units. It holds no funds of its own
// and goes from Open straight to Closed with its last payout.
type Worker struct {
	WorkerState
	addr chain.Address
}

var _ chain.Contract = (*Worker)(nil)

var workerRules = []Rule{
	{Op: AttestPayout, Policy: Advance},
	{Op: AttestLastPayout, Policy: Settle},
}

func NewWorker(owner, broker chain.Address, pk chain.Pubkey, p Params) (*Worker, error) {
	w := &Worker{
		WorkerState: WorkerState{
			Owner:  owner,
			Broker: broker,
			Pubkey: pk,
			State:  StateOpen,
			Params: p,
		},
	}
	if err := w.bind(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) bind() error {
	addr, err := WorkerAddress(w.Params, w.Owner, w.Broker, w.Pubkey)
	if err != nil {
		return err
	}
	w.addr = addr
	return nil
}

func (w *Worker) Address() chain.Address { return w.addr }
func (w *Worker) Kind() chain.Kind       { return KindWorker }

func (w *Worker) MarshalState() ([]byte, error) {
	return borsh.Serialize(w.WorkerState)
}

func (w *Worker) UnmarshalState(buf []byte) error {
	var s WorkerState
	if err := borsh.Deserialize(&s, buf); err != nil {
		return err
	}
	w.WorkerState = s
	return w.bind()
}

type WorkerInfo struct {
	Address            chain.Address `json:"address"`
	Owner              chain.Address `json:"owner"`
	Broker             chain.Address `json:"broker"`
	Pubkey             chain.Pubkey  `json:"pubkey"`
	State              State         `json:"state"`
	Counter            uint64        `json:"counter"`
	ParamsVersion      uint32        `json:"params_version"`
	WorkerPricePerUnit chain.Coins   `json:"worker_price_per_unit"`
}

func (w *Worker) Info() WorkerInfo {
	return WorkerInfo{
		Address:            w.addr,
		Owner:              w.Owner,
		Broker:             w.Broker,
		Pubkey:             w.Pubkey,
		State:              w.State,
		Counter:            w.Counter,
		ParamsVersion:      w.Params.Version,
		WorkerPricePerUnit: w.Params.WorkerPricePerUnit(),
	}
}

func (w *Worker) Receive(ctx *chain.CallContext, body []byte) ([]chain.Message, error) {
	op, payload, err := chain.DecodeBody(body)
	if err != nil {
		return nil, ErrBadMessage.Wrap(err.Error())
	}
	if isNoop(op) {
		return nil, nil
	}
	switch op {
	case OpWorkerRegister:
		var req WorkerRegisterRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return w.Register(ctx, req)
	case OpWorkerSignedPayout:
		sa, err := decodeSigned(payload)
		if err != nil {
			return nil, err
		}
		return w.Payout(ctx, sa)
	default:
		return nil, ErrUnknownOp.Wrapf("worker op 0x%08x", op)
	}
}

// Announces the worker to its broker.
// Called by: owner
func (w *Worker) Register(ctx *chain.CallContext, req WorkerRegisterRequest) ([]chain.Message, error) {
	if w.State == StateClosed {
		return nil, ErrClosed.Wrap("worker is closed")
	}
	if err := requireOwner(ctx, w.Owner); err != nil {
		return nil, err
	}
	if err := requireValue(ctx, ForwardFee); err != nil {
		return nil, err
	}
	return []chain.Message{w.settle(ctx, WorkerSettlement{
		QueryID:        req.QueryID,
		Kind:           WorkerRegister,
		SendExcessesTo: req.SendExcessesTo,
	})}, nil
}

// Claims the units between the stored and the attested counter. A last
// payout may repeat the stored counter and retires the worker.
// Called by: anyone holding the signed attestation
func (w *Worker) Payout(ctx *chain.CallContext, sa SignedAttestation) ([]chain.Message, error) {
	if w.State == StateClosed {
		return nil, ErrClosed.Wrap("worker is closed")
	}
	rule, err := Verifier{Pubkey: w.Pubkey, Self: w.addr}.Check(sa, w.Counter, workerRules...)
	if err != nil {
		return nil, err
	}
	delta := sa.Payload.Counter - w.Counter
	workerPart, ok := unitsCost(w.Params.WorkerPricePerUnit(), delta)
	if !ok {
		return nil, ErrBadMessage.Wrapf("payout of %d units overflows", delta)
	}
	brokerPart, ok := unitsCost(w.Params.BrokerFeePerUnit, delta)
	if !ok {
		return nil, ErrBadMessage.Wrapf("broker fee of %d units overflows", delta)
	}
	w.Counter = sa.Payload.Counter
	kind := WorkerPayout
	if rule.Op == AttestLastPayout {
		kind = WorkerLastPayout
		w.State = StateClosed
	}
	log.Debugf("worker %s: %s %d units, counter %d", w.addr.Short(), kind, delta, w.Counter)
	return []chain.Message{w.settle(ctx, WorkerSettlement{
		QueryID:        sa.Payload.QueryID,
		Kind:           kind,
		WorkerPart:     workerPart,
		BrokerPart:     brokerPart,
		SendExcessesTo: sa.RefundTo,
	})}, nil
}

func (w *Worker) settle(ctx *chain.CallContext, s WorkerSettlement) chain.Message {
	s.WorkerOwner = w.Owner
	return chain.Message{
		To:       w.Broker,
		Value:    forwardValue(ctx),
		Bounce:   true,
		RefundTo: s.SendExcessesTo,
		Body:     chain.MustEncodeBody(OpBrokerWorkerSettle, s),
	}
}
