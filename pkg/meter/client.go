// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"encoding/hex"

	"blockwatch.cc/meterpay/pkg/chain"
	"github.com/near/borsh-go"
)

type ClientState struct {
	Owner      chain.Address
	Broker     chain.Address
	Pubkey     chain.Pubkey
	State      State
	Balance    chain.Coins
	Stake      chain.Coins
	Deposit    chain.Coins // initial balance not yet paid to the broker
	Counter    uint64      // cumulative units used
	UnlockTime int64
	SecretHash [32]byte
	Params     Params
}

// Client holds a consumer's prepaid balance and stake. While open the
// balance never drops below the stake. The coins behind the balance sit
// in the broker's escrow, the initial balance is paid there out of the
// client's own funds with its first settlement.
type Client struct {
	ClientState
	addr chain.Address
}

var _ chain.Contract = (*Client)(nil)

var clientRules = []Rule{
	{Op: AttestCharge, Policy: Advance},
	{Op: AttestGrantRefund, Policy: Settle},
}

func NewClient(owner, broker chain.Address, pk chain.Pubkey, p Params, balance, stake chain.Coins) (*Client, error) {
	if stake < p.MinClientStake {
		return nil, ErrInvalidStake.Wrapf("stake %s below minimum %s", stake, p.MinClientStake)
	}
	if balance < stake {
		return nil, ErrLowSmcBalance.Wrapf("balance %s below stake %s", balance, stake)
	}
	c := &Client{
		ClientState: ClientState{
			Owner:   owner,
			Broker:  broker,
			Pubkey:  pk,
			State:   StateOpen,
			Balance: balance,
			Stake:   stake,
			Deposit: balance,
			Params:  p,
		},
	}
	if err := c.bind(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) bind() error {
	addr, err := ClientAddress(c.Params, c.Owner, c.Broker, c.Pubkey)
	if err != nil {
		return err
	}
	c.addr = addr
	return nil
}

func (c *Client) Address() chain.Address { return c.addr }
func (c *Client) Kind() chain.Kind       { return KindClient }

func (c *Client) MarshalState() ([]byte, error) {
	return borsh.Serialize(c.ClientState)
}

func (c *Client) UnmarshalState(buf []byte) error {
	var s ClientState
	if err := borsh.Deserialize(&s, buf); err != nil {
		return err
	}
	c.ClientState = s
	return c.bind()
}

type ClientInfo struct {
	Address       chain.Address `json:"address"`
	Owner         chain.Address `json:"owner"`
	Broker        chain.Address `json:"broker"`
	Pubkey        chain.Pubkey  `json:"pubkey"`
	State         State         `json:"state"`
	Balance       chain.Coins   `json:"balance"`
	Stake         chain.Coins   `json:"stake"`
	Deposit       chain.Coins   `json:"deposit"`
	Counter       uint64        `json:"counter"`
	UnlockTime    int64         `json:"unlock_time"`
	SecretHash    string        `json:"secret_hash"`
	ParamsVersion uint32        `json:"params_version"`
	PricePerUnit  chain.Coins   `json:"price_per_unit"`
}

func (c *Client) Info() ClientInfo {
	return ClientInfo{
		Address:       c.addr,
		Owner:         c.Owner,
		Broker:        c.Broker,
		Pubkey:        c.Pubkey,
		State:         c.State,
		Balance:       c.Balance,
		Stake:         c.Stake,
		Deposit:       c.Deposit,
		Counter:       c.Counter,
		UnlockTime:    c.UnlockTime,
		SecretHash:    hex.EncodeToString(c.SecretHash[:]),
		ParamsVersion: c.Params.Version,
		PricePerUnit:  c.Params.PricePerUnit,
	}
}

func (c *Client) Receive(ctx *chain.CallContext, body []byte) ([]chain.Message, error) {
	op, payload, err := chain.DecodeBody(body)
	if err != nil {
		return nil, ErrBadMessage.Wrap(err.Error())
	}
	if isNoop(op) {
		return nil, nil
	}
	switch op {
	case OpClientTopUp:
		var req TopUpRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.TopUp(ctx, req)
	case OpClientRegister:
		var req ClientRegisterRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.Register(ctx, req)
	case OpClientChangeSecretHash:
		var req ChangeSecretHashRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.ChangeSecretHash(ctx, req)
	case OpClientChangeSecretAndTopUp:
		var req ChangeSecretAndTopUpRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.ChangeSecretAndTopUp(ctx, req)
	case OpClientIncreaseStake:
		var req ClientIncreaseStakeRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.IncreaseStake(ctx, req)
	case OpClientWithdraw:
		var req OwnerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.Withdraw(ctx, req)
	case OpClientRequestRefund:
		var req OwnerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.RequestRefund(ctx, req)
	case OpClientSignedCharge:
		sa, err := decodeSigned(payload)
		if err != nil {
			return nil, err
		}
		return c.Charge(ctx, sa)
	case OpClientSignedGrantRefund:
		sa, err := decodeSigned(payload)
		if err != nil {
			return nil, err
		}
		return c.GrantRefund(ctx, sa)
	case OpClientTopUpRefused:
		var req TopUpRefused
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return c.TopUpRefused(ctx, req)
	default:
		return nil, ErrUnknownOp.Wrapf("client op 0x%08x", op)
	}
}

func (c *Client) requireOpen() error {
	if c.State != StateOpen {
		return ErrClosed.Wrapf("client is %s", c.State)
	}
	return nil
}

// Adds Amount to the balance and passes the funds on to the broker.
// Called by: anyone
func (c *Client) TopUp(ctx *chain.CallContext, req TopUpRequest) ([]chain.Message, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	return c.topUp(ctx, req.QueryID, req.Amount, req.SendExcessesTo)
}

func (c *Client) topUp(ctx *chain.CallContext, queryID uint64, amount chain.Coins, sendExcessesTo chain.Address) ([]chain.Message, error) {
	if err := requireValue(ctx, amount+ForwardFee); err != nil {
		return nil, err
	}
	c.Balance += amount
	log.Debugf("client %s: top-up %s, balance %s", c.addr.Short(), amount, c.Balance)
	return c.settle(ctx, ctx.Value, ClientSettlement{
		QueryID:        queryID,
		Kind:           ClientTopUp,
		Coins:          amount,
		SendExcessesTo: sendExcessesTo,
	})
}

// Announces the client to its broker.
// Called by: owner
func (c *Client) Register(ctx *chain.CallContext, req ClientRegisterRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, c.Owner); err != nil {
		return nil, err
	}
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	if err := requireValue(ctx, ForwardFee); err != nil {
		return nil, err
	}
	return c.settle(ctx, ctx.Value, ClientSettlement{
		QueryID:        req.QueryID,
		Kind:           ClientRegister,
		SendExcessesTo: req.SendExcessesTo,
	})
}

// Called by: owner
func (c *Client) ChangeSecretHash(ctx *chain.CallContext, req ChangeSecretHashRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, c.Owner); err != nil {
		return nil, err
	}
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	c.SecretHash = req.SecretHash
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Called by: owner
func (c *Client) ChangeSecretAndTopUp(ctx *chain.CallContext, req ChangeSecretAndTopUpRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, c.Owner); err != nil {
		return nil, err
	}
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	msgs, err := c.topUp(ctx, req.QueryID, req.Amount, req.SendExcessesTo)
	if err != nil {
		return nil, err
	}
	c.SecretHash = req.SecretHash
	return msgs, nil
}

// Raises the stake. Stake only grows and is covered by the balance.
// Called by: owner
func (c *Client) IncreaseStake(ctx *chain.CallContext, req ClientIncreaseStakeRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, c.Owner); err != nil {
		return nil, err
	}
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	if req.NewStake <= c.Stake {
		return nil, ErrInvalidStake.Wrapf("new stake %s not above %s", req.NewStake, c.Stake)
	}
	if req.NewStake > c.Balance {
		return nil, ErrLowSmcBalance.Wrapf("new stake %s exceeds balance %s", req.NewStake, c.Balance)
	}
	c.Stake = req.NewStake
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Reduces the balance to the stake and claims the excess from the broker.
// Called by: owner
func (c *Client) Withdraw(ctx *chain.CallContext, req OwnerRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, c.Owner); err != nil {
		return nil, err
	}
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	if c.Balance <= c.Stake {
		return nil, ErrLowSmcBalance.Wrapf("balance %s not above stake %s", c.Balance, c.Stake)
	}
	excess := c.Balance - c.Stake
	c.Balance = c.Stake
	return c.settle(ctx, forwardValue(ctx), ClientSettlement{
		QueryID:        req.QueryID,
		Kind:           ClientWithdraw,
		Coins:          excess,
		SendExcessesTo: req.SendExcessesTo,
	})
}

// Closes the client without broker cooperation. The first call withdraws
// the excess and starts the timelock, the second call after unlock
// claims the stake from the broker as a forced refund.
// Called by: owner
func (c *Client) RequestRefund(ctx *chain.CallContext, req OwnerRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, c.Owner); err != nil {
		return nil, err
	}
	switch c.State {
	case StateOpen:
		excess := c.Balance.SafeSub(c.Stake)
		c.Balance -= excess
		c.State = StateClosing
		c.UnlockTime = ctx.Now + int64(c.Params.ClientCloseDelay)
		log.Debugf("client %s: closing, unlock at %d", c.addr.Short(), c.UnlockTime)
		if excess == 0 {
			return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
		}
		return c.settle(ctx, forwardValue(ctx), ClientSettlement{
			QueryID:        req.QueryID,
			Kind:           ClientWithdraw,
			Coins:          excess,
			SendExcessesTo: req.SendExcessesTo,
		})
	case StateClosing:
		if ctx.Now < c.UnlockTime {
			return nil, ErrNotUnlockedYet.Wrapf("now %d, unlock at %d", ctx.Now, c.UnlockTime)
		}
		claim := c.Balance
		c.Balance = 0
		c.State = StateClosed
		log.Debugf("client %s: closed, forcing refund of %s", c.addr.Short(), claim)
		return c.settle(ctx, forwardValue(ctx), ClientSettlement{
			QueryID:        req.QueryID,
			Kind:           ClientRefundForce,
			Coins:          claim,
			SendExcessesTo: req.SendExcessesTo,
		})
	default:
		return nil, ErrClosed.Wrap("client is closed")
	}
}

// Applies a charge attestation. While open the stake stays untouched,
// while closing the whole remaining balance can be charged.
// Called by: anyone holding the signed attestation
func (c *Client) Charge(ctx *chain.CallContext, sa SignedAttestation) ([]chain.Message, error) {
	if c.State == StateClosed {
		return nil, ErrClosed.Wrap("client is closed")
	}
	if _, err := c.verify(sa, AttestCharge); err != nil {
		return nil, err
	}
	delta := sa.Payload.Counter - c.Counter
	avail := c.Balance
	if c.State == StateOpen {
		avail = c.Balance - c.Stake
	}
	cost, ok := unitsCost(c.Params.PricePerUnit, delta)
	if !ok || cost > avail {
		return nil, ErrLowSmcBalance.Wrapf("charge of %d units exceeds available %s", delta, avail)
	}
	c.Counter = sa.Payload.Counter
	c.Balance -= cost
	log.Debugf("client %s: charged %s for %d units, counter %d", c.addr.Short(), cost, delta, c.Counter)
	return c.settle(ctx, forwardValue(ctx), ClientSettlement{
		QueryID:        sa.Payload.QueryID,
		Kind:           ClientCharge,
		Coins:          cost,
		SendExcessesTo: sa.RefundTo,
	})
}

// Applies the broker's final usage and closes the client, the rest of
// the balance is refunded through the broker.
// Called by: anyone holding the signed attestation
func (c *Client) GrantRefund(ctx *chain.CallContext, sa SignedAttestation) ([]chain.Message, error) {
	if c.State == StateClosed {
		return nil, ErrClosed.Wrap("client is closed")
	}
	if _, err := c.verify(sa, AttestGrantRefund); err != nil {
		return nil, err
	}
	delta := sa.Payload.Counter - c.Counter
	cost, ok := unitsCost(c.Params.PricePerUnit, delta)
	if !ok || cost > c.Balance {
		cost = c.Balance
	}
	refund := c.Balance - cost
	c.Counter = sa.Payload.Counter
	c.Balance = 0
	c.State = StateClosed
	log.Debugf("client %s: refund granted %s after %d units", c.addr.Short(), refund, delta)
	return c.settle(ctx, forwardValue(ctx), ClientSettlement{
		QueryID:        sa.Payload.QueryID,
		Kind:           ClientRefundGranted,
		Coins:          refund,
		Charged:        cost,
		SendExcessesTo: sa.RefundTo,
	})
}

// Takes a top-up the broker refused off the balance and pays the
// returned value to the owner.
// Called by: broker
func (c *Client) TopUpRefused(ctx *chain.CallContext, req TopUpRefused) ([]chain.Message, error) {
	if ctx.Sender != c.Broker {
		return nil, ErrAddressMismatch.Wrapf("sender %s is not broker %s", ctx.Sender, c.Broker)
	}
	c.Balance -= chain.Min(req.Amount, c.Balance)
	if c.State == StateOpen && c.Balance < c.Stake {
		// spent before the refusal arrived
		log.Warnf("client %s: stake %s lowered to balance %s", c.addr.Short(), c.Stake, c.Balance)
		c.Stake = c.Balance
	}
	log.Debugf("client %s: top-up of %s refused, balance %s", c.addr.Short(), req.Amount, c.Balance)
	if ctx.Value == 0 {
		return nil, nil
	}
	return []chain.Message{transfer(c.Owner, ctx.Value, req.QueryID)}, nil
}

// verify accepts only the given attestation op, a signed charge can't be
// submitted as a refund grant and vice versa.
func (c *Client) verify(sa SignedAttestation, op uint32) (Rule, error) {
	for _, r := range clientRules {
		if r.Op == op {
			return Verifier{Pubkey: c.Pubkey, Self: c.addr}.Check(sa, c.Counter, r)
		}
	}
	return Rule{}, ErrUnknownOp.Wrapf("attestation op 0x%08x", op)
}

// settle builds the settlement to the broker. The first one also pays
// the initial deposit, which the client must be able to fund.
func (c *Client) settle(ctx *chain.CallContext, value chain.Coins, s ClientSettlement) ([]chain.Message, error) {
	s.ClientOwner = c.Owner
	if c.Deposit > 0 {
		if value+c.Deposit > ctx.Funds {
			return nil, ErrLowSmcBalance.Wrapf("funds %s cannot pay deposit %s", ctx.Funds, c.Deposit)
		}
		s.Deposit = c.Deposit
		value += c.Deposit
		c.Deposit = 0
	}
	return []chain.Message{{
		To:       c.Broker,
		Value:    value,
		Bounce:   true,
		RefundTo: s.SendExcessesTo,
		Body:     chain.MustEncodeBody(OpBrokerClientSettle, s),
	}}, nil
}

// unitsCost multiplies without wrapping around.
func unitsCost(price chain.Coins, units uint64) (chain.Coins, bool) {
	if units == 0 || price == 0 {
		return 0, true
	}
	cost := price.Mul(units)
	if cost.Div(units) != price {
		return 0, false
	}
	return cost, true
}
