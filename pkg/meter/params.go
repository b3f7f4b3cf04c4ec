// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"encoding/hex"
	"fmt"

	"blockwatch.cc/meterpay/pkg/chain"
	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// MultiplierOne is the basis point value of a 1.0 usage multiplier.
const MultiplierOne = 10000

// CodeHash identifies a code image by its sha2-256 digest. Its text form
// is a CIDv1 with raw codec.
type CodeHash [32]byte

// CodeHashOf hashes a code image.
func CodeHashOf(image []byte) CodeHash {
	var h CodeHash
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1, // default length
	}
	c, err := pref.Sum(image)
	if err != nil {
		// sha2-256 is always registered
		panic(err)
	}
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		panic(err)
	}
	copy(h[:], dec.Digest)
	return h
}

// ParseCodeHash accepts a CID string or a 64 character hex digest.
func ParseCodeHash(s string) (CodeHash, error) {
	var h CodeHash
	if len(s) == 2*len(h) {
		if buf, err := hex.DecodeString(s); err == nil {
			copy(h[:], buf)
			return h, nil
		}
	}
	c, err := cid.Decode(s)
	if err != nil {
		return h, fmt.Errorf("code hash %q: %w", s, err)
	}
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return h, fmt.Errorf("code hash %q: %w", s, err)
	}
	if dec.Code != mh.SHA2_256 || len(dec.Digest) != len(h) {
		return h, fmt.Errorf("code hash %q: unsupported multihash %s", s, mh.Codes[dec.Code])
	}
	copy(h[:], dec.Digest)
	return h, nil
}

func (h CodeHash) IsZero() bool {
	return h == CodeHash{}
}

func (h CodeHash) CID() cid.Cid {
	buf, err := mh.Encode(h[:], mh.SHA2_256)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(uint64(mc.Raw), buf)
}

func (h CodeHash) String() string {
	return h.CID().String()
}

func (h CodeHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *CodeHash) UnmarshalText(b []byte) error {
	v, err := ParseCodeHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Params is an immutable snapshot of the protocol economics and trusted
// code. Accounts embed a copy of the snapshot they were created under.
type Params struct {
	Version              uint32      `json:"version"`
	PricePerUnit         chain.Coins `json:"price_per_unit"`
	BrokerFeePerUnit     chain.Coins `json:"broker_fee_per_unit"`
	PromptMultiplier     uint32      `json:"prompt_multiplier"`
	CachedMultiplier     uint32      `json:"cached_multiplier"`
	CompletionMultiplier uint32      `json:"completion_multiplier"`
	ReasoningMultiplier  uint32      `json:"reasoning_multiplier"`
	BrokerCloseDelay     uint32      `json:"broker_close_delay"`
	ClientCloseDelay     uint32      `json:"client_close_delay"`
	MinBrokerStake       chain.Coins `json:"min_broker_stake"`
	MinClientStake       chain.Coins `json:"min_client_stake"`
	BrokerCode           CodeHash    `json:"broker_code"`
	WorkerCode           CodeHash    `json:"worker_code"`
	ClientCode           CodeHash    `json:"client_code"`
}

// EconomicParams is the code-free projection of Params. It is part of
// every derived account address, so accounts created under a different
// economic regime live at different addresses.
type EconomicParams struct {
	Version              uint32
	PricePerUnit         chain.Coins
	BrokerFeePerUnit     chain.Coins
	PromptMultiplier     uint32
	CachedMultiplier     uint32
	CompletionMultiplier uint32
	ReasoningMultiplier  uint32
	BrokerCloseDelay     uint32
	ClientCloseDelay     uint32
	MinBrokerStake       chain.Coins
	MinClientStake       chain.Coins
}

func (p Params) WithoutCode() EconomicParams {
	return EconomicParams{
		Version:              p.Version,
		PricePerUnit:         p.PricePerUnit,
		BrokerFeePerUnit:     p.BrokerFeePerUnit,
		PromptMultiplier:     p.PromptMultiplier,
		CachedMultiplier:     p.CachedMultiplier,
		CompletionMultiplier: p.CompletionMultiplier,
		ReasoningMultiplier:  p.ReasoningMultiplier,
		BrokerCloseDelay:     p.BrokerCloseDelay,
		ClientCloseDelay:     p.ClientCloseDelay,
		MinBrokerStake:       p.MinBrokerStake,
		MinClientStake:       p.MinClientStake,
	}
}

func (p Params) Validate() error {
	if p.BrokerFeePerUnit > p.PricePerUnit {
		return ErrInvalidParams.Wrapf("broker fee %d exceeds price %d", p.BrokerFeePerUnit, p.PricePerUnit)
	}
	if p.BrokerCode.IsZero() || p.WorkerCode.IsZero() || p.ClientCode.IsZero() {
		return ErrInvalidParams.Wrap("missing code hash")
	}
	return nil
}

// WorkerPricePerUnit is the share of each unit paid to the worker.
func (p Params) WorkerPricePerUnit() chain.Coins {
	return p.PricePerUnit - p.BrokerFeePerUnit
}

// Usage is one request's token breakdown as observed by the broker.
type Usage struct {
	Prompt     uint64 `json:"prompt"`
	Cached     uint64 `json:"cached"`
	Completion uint64 `json:"completion"`
	Reasoning  uint64 `json:"reasoning"`
}

// WeightedUnits converts a usage breakdown into billable units using the
// basis point multipliers. Fractions are rounded down once at the end.
func (p Params) WeightedUnits(u Usage) uint64 {
	sum := u.Prompt*uint64(p.PromptMultiplier) +
		u.Cached*uint64(p.CachedMultiplier) +
		u.Completion*uint64(p.CompletionMultiplier) +
		u.Reasoning*uint64(p.ReasoningMultiplier)
	return sum / MultiplierOne
}

// next returns a copy with the version bumped, every registry change
// goes through here.
func (p Params) next() Params {
	p.Version++
	return p
}
