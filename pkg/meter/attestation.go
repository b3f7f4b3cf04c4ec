// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"blockwatch.cc/meterpay/pkg/chain"
	"github.com/near/borsh-go"
	mh "github.com/multiformats/go-multihash"
)

// Attestation is a broker signed statement that Target has reached the
// cumulative usage Counter. Close attestations leave Counter at zero.
type Attestation struct {
	Op      uint32
	QueryID uint64
	Counter uint64
	Target  chain.Address
}

// Hash returns the sha2-256 digest that is signed.
func (a Attestation) Hash() ([]byte, error) {
	buf, err := borsh.Serialize(a)
	if err != nil {
		return nil, err
	}
	sum, err := mh.Sum(buf, mh.SHA2_256, -1)
	if err != nil {
		return nil, err
	}
	dec, err := mh.Decode(sum)
	if err != nil {
		return nil, err
	}
	return dec.Digest, nil
}

// SignedAttestation is the payload of every signed operation.
type SignedAttestation struct {
	RefundTo  chain.Address
	Signature chain.Signature
	Payload   Attestation
}

func SignAttestation(s chain.Signer, a Attestation, refundTo chain.Address) (SignedAttestation, error) {
	h, err := a.Hash()
	if err != nil {
		return SignedAttestation{}, err
	}
	return SignedAttestation{
		RefundTo:  refundTo,
		Signature: s.Sign(h),
		Payload:   a,
	}, nil
}

// CounterPolicy decides how a new counter must relate to the stored one.
type CounterPolicy uint8

const (
	// Advance requires strictly more usage, used for charges and payouts.
	Advance CounterPolicy = iota
	// Settle allows an unchanged counter, used by attestations that
	// close an account at its final usage.
	Settle
)

func (p CounterPolicy) Accepts(next, stored uint64) bool {
	if p == Settle {
		return next >= stored
	}
	return next > stored
}

// Rule binds an attestation opcode to its counter policy.
type Rule struct {
	Op     uint32
	Policy CounterPolicy
}

// Verifier checks attestations against the broker key an account was
// created with. Each account kind uses the same verifier with its own
// rules.
type Verifier struct {
	Pubkey chain.Pubkey
	Self   chain.Address
}

// Check verifies signature, target binding and counter progress in that
// order and returns the matched rule. It has no side effects; the caller
// stores the counter and applies the economic effect.
func (v Verifier) Check(sa SignedAttestation, stored uint64, rules ...Rule) (Rule, error) {
	var rule Rule
	a := sa.Payload
	h, err := a.Hash()
	if err != nil {
		return rule, ErrBadMessage.Wrap(err.Error())
	}
	if !sa.Signature.Verify(v.Pubkey, h) {
		return rule, ErrBadSignature.Wrapf("attestation 0x%08x query %d", a.Op, a.QueryID)
	}
	if a.Target != v.Self {
		return rule, ErrAddressMismatch.Wrapf("attestation for %s presented to %s", a.Target, v.Self)
	}
	var ok bool
	for _, r := range rules {
		if r.Op == a.Op {
			rule, ok = r, true
			break
		}
	}
	if !ok {
		return rule, ErrUnknownOp.Wrapf("attestation op 0x%08x", a.Op)
	}
	if !rule.Policy.Accepts(a.Counter, stored) {
		return rule, ErrStaleCounter.Wrapf("counter %d, stored %d", a.Counter, stored)
	}
	return rule, nil
}

func decodeSigned(payload []byte) (SignedAttestation, error) {
	var sa SignedAttestation
	if err := chain.DecodePayload(payload, &sa); err != nil {
		return sa, ErrBadMessage.Wrap(err.Error())
	}
	return sa, nil
}
