// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"strings"

	"blockwatch.cc/meterpay/pkg/chain"
	"github.com/near/borsh-go"
)

// BrokerState splits held coins in three pools. Escrow backs the open
// client balances, Balance holds charged coins until workers claim
// their part and the rest is the owner's fee, Stake is the security
// deposit.
type BrokerState struct {
	Owner      chain.Address
	Pubkey     chain.Pubkey
	Registry   chain.Address
	State      State
	Balance    chain.Coins
	Escrow     chain.Coins
	Stake      chain.Coins
	UnlockTime int64
	Params     Params
}

// Broker escrows client funds and worker earnings. Its key signs every
// attestation accepted by the workers and clients bound to it.
type Broker struct {
	BrokerState
	addr chain.Address
}

var _ chain.Contract = (*Broker)(nil)

var brokerRules = []Rule{
	{Op: AttestCloseRequest, Policy: Settle},
	{Op: AttestCloseComplete, Policy: Settle},
}

func NewBroker(owner chain.Address, pk chain.Pubkey, registry chain.Address, p Params, stake chain.Coins) (*Broker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if stake < p.MinBrokerStake {
		return nil, ErrInvalidStake.Wrapf("stake %s below minimum %s", stake, p.MinBrokerStake)
	}
	b := &Broker{
		BrokerState: BrokerState{
			Owner:    owner,
			Pubkey:   pk,
			Registry: registry,
			State:    StateOpen,
			Stake:    stake,
			Params:   p,
		},
	}
	if err := b.bind(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) bind() error {
	addr, err := BrokerAddress(b.Params, b.Owner, b.Pubkey, b.Registry)
	if err != nil {
		return err
	}
	b.addr = addr
	return nil
}

func (b *Broker) Address() chain.Address { return b.addr }
func (b *Broker) Kind() chain.Kind       { return KindBroker }

func (b *Broker) MarshalState() ([]byte, error) {
	return borsh.Serialize(b.BrokerState)
}

func (b *Broker) UnmarshalState(buf []byte) error {
	var s BrokerState
	if err := borsh.Deserialize(&s, buf); err != nil {
		return err
	}
	b.BrokerState = s
	return b.bind()
}

func (b *Broker) verifier() Verifier {
	return Verifier{Pubkey: b.Pubkey, Self: b.addr}
}

// NewWorker builds a worker bound to this broker.
func (b *Broker) NewWorker(owner chain.Address) (*Worker, error) {
	return NewWorker(owner, b.addr, b.Pubkey, b.Params)
}

// NewClient builds a client bound to this broker with an initial balance
// and stake.
func (b *Broker) NewClient(owner chain.Address, balance, stake chain.Coins) (*Client, error) {
	return NewClient(owner, b.addr, b.Pubkey, b.Params, balance, stake)
}

// WorkerAddress is the address a worker of owner has under this broker.
func (b *Broker) WorkerAddress(owner chain.Address) (chain.Address, error) {
	return WorkerAddress(b.Params, owner, b.addr, b.Pubkey)
}

// ClientAddress is the address a client of owner has under this broker.
func (b *Broker) ClientAddress(owner chain.Address) (chain.Address, error) {
	return ClientAddress(b.Params, owner, b.addr, b.Pubkey)
}

type BrokerInfo struct {
	Address            chain.Address `json:"address"`
	Owner              chain.Address `json:"owner"`
	Pubkey             chain.Pubkey  `json:"pubkey"`
	Registry           chain.Address `json:"registry"`
	State              State         `json:"state"`
	Balance            chain.Coins   `json:"balance"`
	Escrow             chain.Coins   `json:"escrow"`
	Stake              chain.Coins   `json:"stake"`
	UnlockTime         int64         `json:"unlock_time"`
	ParamsVersion      uint32        `json:"params_version"`
	PricePerUnit       chain.Coins   `json:"price_per_unit"`
	WorkerPricePerUnit chain.Coins   `json:"worker_price_per_unit"`
}

func (b *Broker) Info() BrokerInfo {
	return BrokerInfo{
		Address:            b.addr,
		Owner:              b.Owner,
		Pubkey:             b.Pubkey,
		Registry:           b.Registry,
		State:              b.State,
		Balance:            b.Balance,
		Escrow:             b.Escrow,
		Stake:              b.Stake,
		UnlockTime:         b.UnlockTime,
		ParamsVersion:      b.Params.Version,
		PricePerUnit:       b.Params.PricePerUnit,
		WorkerPricePerUnit: b.Params.WorkerPricePerUnit(),
	}
}

func (b *Broker) Receive(ctx *chain.CallContext, body []byte) ([]chain.Message, error) {
	op, payload, err := chain.DecodeBody(body)
	if err != nil {
		return nil, ErrBadMessage.Wrap(err.Error())
	}
	// the owner may close with a plain text transfer
	if op == chain.OpComment && ctx.Sender == b.Owner && strings.TrimSpace(string(payload)) == "close" {
		return b.OwnerClose(ctx, OwnerRequest{})
	}
	if isNoop(op) {
		return nil, nil
	}
	switch op {
	case OpBrokerOwnerClose:
		var req OwnerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return b.OwnerClose(ctx, req)
	case OpBrokerSignedClose:
		sa, err := decodeSigned(payload)
		if err != nil {
			return nil, err
		}
		return b.SignedCloseRequest(ctx, sa)
	case OpBrokerCloseComplete:
		sa, err := decodeSigned(payload)
		if err != nil {
			return nil, err
		}
		return b.SignedCloseComplete(ctx, sa)
	case OpBrokerPayoutRequest:
		var req PayoutRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return b.PayoutRequest(ctx, req)
	case OpBrokerIncreaseStake:
		var req IncreaseStakeRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return b.IncreaseStake(ctx, req)
	case OpBrokerWorkerSettle:
		var req WorkerSettlement
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return b.WorkerSettle(ctx, req)
	case OpBrokerClientSettle:
		var req ClientSettlement
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return b.ClientSettle(ctx, req)
	default:
		return nil, ErrUnknownOp.Wrapf("broker op 0x%08x", op)
	}
}

// Starts the close timelock.
// Called by: owner
func (b *Broker) OwnerClose(ctx *chain.CallContext, req OwnerRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, b.Owner); err != nil {
		return nil, err
	}
	if err := b.startClose(ctx); err != nil {
		return nil, err
	}
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Starts the close timelock from an owner key signature, no owner wallet
// transaction is needed.
// Called by: anyone holding the signed attestation
func (b *Broker) SignedCloseRequest(ctx *chain.CallContext, sa SignedAttestation) ([]chain.Message, error) {
	if _, err := b.verifier().Check(sa, 0, brokerRules[0]); err != nil {
		return nil, err
	}
	if err := b.startClose(ctx); err != nil {
		return nil, err
	}
	return excesses(ctx, sa.RefundTo, sa.Payload.QueryID, ctx.Value), nil
}

func (b *Broker) startClose(ctx *chain.CallContext) error {
	if b.State != StateOpen {
		return ErrAlreadyClosed.Wrapf("broker is %s", b.State)
	}
	b.State = StateClosing
	b.UnlockTime = ctx.Now + int64(b.Params.BrokerCloseDelay)
	log.Debugf("broker %s: closing, unlock at %d", b.addr.Short(), b.UnlockTime)
	return nil
}

// Completes the close after the timelock, zeroes all bookkeeping and
// sends every remaining coin to the owner.
// Called by: anyone holding the signed attestation
func (b *Broker) SignedCloseComplete(ctx *chain.CallContext, sa SignedAttestation) ([]chain.Message, error) {
	if _, err := b.verifier().Check(sa, 0, brokerRules[1]); err != nil {
		return nil, err
	}
	switch b.State {
	case StateClosed:
		return nil, ErrClosed.Wrap("broker is closed")
	case StateOpen:
		return nil, ErrNotClosing.Wrap("broker is open")
	}
	if ctx.Now < b.UnlockTime {
		return nil, ErrNotUnlockedYet.Wrapf("now %d, unlock at %d", ctx.Now, b.UnlockTime)
	}
	b.Balance = 0
	b.Escrow = 0
	b.Stake = 0
	b.State = StateClosed
	log.Debugf("broker %s: closed", b.addr.Short())
	return []chain.Message{{
		To:   b.Owner,
		Mode: chain.SendCarryAll,
		Body: chain.MustEncodeBody(OpExcesses, Excesses{QueryID: sa.Payload.QueryID}),
	}}, nil
}

// Pays earned fees from balance to the owner. Escrowed client funds are
// not available.
// Called by: owner
func (b *Broker) PayoutRequest(ctx *chain.CallContext, req PayoutRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, b.Owner); err != nil {
		return nil, err
	}
	if b.State == StateClosed {
		return nil, ErrClosed.Wrap("broker is closed")
	}
	if err := requireValue(ctx, ForwardFee); err != nil {
		return nil, err
	}
	if req.Amount > b.Balance {
		return nil, ErrLowSmcBalance.Wrapf("payout %s exceeds balance %s", req.Amount, b.Balance)
	}
	b.Balance -= req.Amount
	to := req.SendExcessesTo
	if to.IsZero() {
		to = b.Owner
	}
	return []chain.Message{transfer(to, req.Amount+ctx.Value, req.QueryID)}, nil
}

// Adds attached value to the stake.
// Called by: owner
func (b *Broker) IncreaseStake(ctx *chain.CallContext, req IncreaseStakeRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, b.Owner); err != nil {
		return nil, err
	}
	if b.State == StateClosed {
		return nil, ErrClosed.Wrap("broker is closed")
	}
	if err := requireValue(ctx, req.Amount+ForwardFee); err != nil {
		return nil, err
	}
	b.Stake += req.Amount
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value-req.Amount), nil
}

// Applies a worker settlement. The sender must be the worker address
// derived from the claimed owner.
// Called by: worker
func (b *Broker) WorkerSettle(ctx *chain.CallContext, req WorkerSettlement) ([]chain.Message, error) {
	want, err := b.WorkerAddress(req.WorkerOwner)
	if err != nil {
		return nil, err
	}
	if ctx.Sender != want {
		return nil, ErrAddressMismatch.Wrapf("sender %s is not worker %s", ctx.Sender, want)
	}
	if b.State == StateClosed {
		return nil, ErrClosed.Wrap("broker is closed")
	}
	var msgs []chain.Message
	switch req.Kind {
	case WorkerRegister:
	case WorkerPayout, WorkerLastPayout:
		// the broker part was kept in balance when the units were charged
		if req.WorkerPart > b.Balance {
			return nil, ErrLowSmcBalance.Wrapf("worker part %s exceeds balance %s", req.WorkerPart, b.Balance)
		}
		b.Balance -= req.WorkerPart
		if req.WorkerPart > 0 {
			msgs = append(msgs, transfer(req.WorkerOwner, req.WorkerPart, req.QueryID))
		}
	default:
		return nil, ErrBadMessage.Wrapf("worker settlement kind %d", req.Kind)
	}
	log.Debugf("broker %s: worker %s %s worker=%s broker=%s",
		b.addr.Short(), want.Short(), req.Kind, req.WorkerPart, req.BrokerPart)
	return append(msgs, excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value)...), nil
}

// Applies a client settlement. The sender must be the client address
// derived from the claimed owner.
// Called by: client
func (b *Broker) ClientSettle(ctx *chain.CallContext, req ClientSettlement) ([]chain.Message, error) {
	want, err := b.ClientAddress(req.ClientOwner)
	if err != nil {
		return nil, err
	}
	if ctx.Sender != want {
		return nil, ErrAddressMismatch.Wrapf("sender %s is not client %s", ctx.Sender, want)
	}
	if b.State == StateClosed {
		return nil, ErrClosed.Wrap("broker is closed")
	}
	value := ctx.Value
	if req.Deposit > 0 {
		if value < req.Deposit {
			return nil, ErrLowValue.Wrapf("deposit %s carries %s", req.Deposit, value)
		}
		b.Escrow += req.Deposit
		value -= req.Deposit
	}
	var msgs []chain.Message
	switch req.Kind {
	case ClientTopUp:
		if b.State != StateOpen {
			log.Warnf("broker %s: refusing top-up from %s while %s", b.addr.Short(), want.Short(), b.State)
			return []chain.Message{{
				To:    want,
				Value: value,
				Body:  chain.MustEncodeBody(OpClientTopUpRefused, TopUpRefused{QueryID: req.QueryID, Amount: req.Coins}),
			}}, nil
		}
		if value < req.Coins {
			return nil, ErrLowValue.Wrapf("top-up %s carries %s", req.Coins, value)
		}
		b.Escrow += req.Coins
		value -= req.Coins
	case ClientRegister:
	case ClientCharge:
		if err := b.release(req.Coins); err != nil {
			return nil, err
		}
		b.Balance += req.Coins
	case ClientWithdraw:
		if err := b.release(req.Coins); err != nil {
			return nil, err
		}
		if req.Coins > 0 {
			msgs = append(msgs, transfer(req.ClientOwner, req.Coins, req.QueryID))
		}
	case ClientRefundGranted:
		if err := b.release(req.Charged + req.Coins); err != nil {
			return nil, err
		}
		b.Balance += req.Charged
		if req.Coins > 0 {
			msgs = append(msgs, transfer(req.ClientOwner, req.Coins, req.QueryID))
		}
	case ClientRefundForce:
		// the stake backs forced refunds, anything above it is forfeit;
		// the client's escrow then compensates the drawn stake
		pay := chain.Min(req.Coins, b.Stake)
		b.Stake -= pay
		moved := chain.Min(pay, b.Escrow)
		b.Escrow -= moved
		b.Balance += moved
		if pay > 0 {
			msgs = append(msgs, transfer(req.ClientOwner, pay, req.QueryID))
		}
	default:
		return nil, ErrBadMessage.Wrapf("client settlement kind %d", req.Kind)
	}
	log.Debugf("broker %s: client %s %s coins=%s escrow=%s", b.addr.Short(), want.Short(), req.Kind, req.Coins, b.Escrow)
	return append(msgs, excesses(ctx, req.SendExcessesTo, req.QueryID, value)...), nil
}

// release takes coins out of escrow. A shortfall fails the settlement so
// the claim bounces instead of being paid short.
func (b *Broker) release(coins chain.Coins) error {
	if coins > b.Escrow {
		return ErrLowSmcBalance.Wrapf("claim %s exceeds escrow %s", coins, b.Escrow)
	}
	b.Escrow -= coins
	return nil
}
