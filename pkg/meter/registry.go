// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"bytes"
	"sort"

	"blockwatch.cc/meterpay/pkg/chain"
	"github.com/near/borsh-go"
)

// BrokerEntry is one row of the broker endpoint directory.
type BrokerEntry struct {
	Seqno    uint64        `json:"seqno"`
	Address  chain.Address `json:"address"`
	Endpoint string        `json:"endpoint"`
}

// Process-wide registry of trusted code, broker endpoints and the current
// Params snapshot.
type RegistryState struct {
	Origin         chain.Address // owner at deployment, seeds the address
	Owner          chain.Address
	TrustedBrokers []CodeHash // sorted sets
	TrustedWorkers []CodeHash
	TrustedModels  []CodeHash
	Brokers        []BrokerEntry // ordered by seqno
	NextSeqno      uint64
	SchemaVersion  uint32
	Params         Params
}

type Registry struct {
	RegistryState
	addr chain.Address
}

var _ chain.Contract = (*Registry)(nil)

// NewRegistry creates a registry trusting the code hashes in p.
func NewRegistry(owner chain.Address, p Params) (*Registry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	r := &Registry{
		RegistryState: RegistryState{
			Origin:         owner,
			Owner:          owner,
			TrustedBrokers: []CodeHash{p.BrokerCode},
			TrustedWorkers: []CodeHash{p.WorkerCode},
			SchemaVersion:  1,
			Params:         p,
		},
	}
	if err := r.bind(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) bind() error {
	addr, err := RegistryAddress(r.Origin)
	if err != nil {
		return err
	}
	r.addr = addr
	return nil
}

func (r *Registry) Address() chain.Address { return r.addr }
func (r *Registry) Kind() chain.Kind       { return KindRegistry }

func (r *Registry) MarshalState() ([]byte, error) {
	return borsh.Serialize(r.RegistryState)
}

func (r *Registry) UnmarshalState(buf []byte) error {
	var s RegistryState
	if err := borsh.Deserialize(&s, buf); err != nil {
		return err
	}
	r.RegistryState = s
	return r.bind()
}

// getters

func (r *Registry) CurrentParams() Params { return r.Params }

func (r *Registry) IsTrustedBroker(h CodeHash) bool { return contains(r.TrustedBrokers, h) }
func (r *Registry) IsTrustedWorker(h CodeHash) bool { return contains(r.TrustedWorkers, h) }
func (r *Registry) IsTrustedModel(h CodeHash) bool  { return contains(r.TrustedModels, h) }

func (r *Registry) Broker(seqno uint64) (BrokerEntry, bool) {
	i, ok := r.findBroker(seqno)
	if !ok {
		return BrokerEntry{}, false
	}
	return r.Brokers[i], true
}

type RegistryInfo struct {
	Address        chain.Address `json:"address"`
	Owner          chain.Address `json:"owner"`
	TrustedBrokers []CodeHash    `json:"trusted_brokers"`
	TrustedWorkers []CodeHash    `json:"trusted_workers"`
	TrustedModels  []CodeHash    `json:"trusted_models"`
	Brokers        []BrokerEntry `json:"brokers"`
	NextSeqno      uint64        `json:"next_seqno"`
	SchemaVersion  uint32        `json:"schema_version"`
	Params         Params        `json:"params"`
}

func (r *Registry) Info() RegistryInfo {
	return RegistryInfo{
		Address:        r.addr,
		Owner:          r.Owner,
		TrustedBrokers: append([]CodeHash{}, r.TrustedBrokers...),
		TrustedWorkers: append([]CodeHash{}, r.TrustedWorkers...),
		TrustedModels:  append([]CodeHash{}, r.TrustedModels...),
		Brokers:        append([]BrokerEntry{}, r.Brokers...),
		NextSeqno:      r.NextSeqno,
		SchemaVersion:  r.SchemaVersion,
		Params:         r.Params,
	}
}

// NewBroker creates a broker bound to the current Params snapshot. The
// broker code must be trusted and the stake must cover the minimum.
func (r *Registry) NewBroker(owner chain.Address, pk chain.Pubkey, stake chain.Coins) (*Broker, error) {
	if !r.IsTrustedBroker(r.Params.BrokerCode) {
		return nil, ErrUntrustedCode.Wrapf("broker code %s", r.Params.BrokerCode)
	}
	return NewBroker(owner, pk, r.addr, r.Params, stake)
}

// Receive dispatches an inbound message. All admin operations are owner
// only and return the attached value as excesses.
func (r *Registry) Receive(ctx *chain.CallContext, body []byte) ([]chain.Message, error) {
	op, payload, err := chain.DecodeBody(body)
	if err != nil {
		return nil, ErrBadMessage.Wrap(err.Error())
	}
	if isNoop(op) {
		return nil, nil
	}
	switch op {
	case OpRegistryAddBrokerHash, OpRegistryRemoveBrokerHash,
		OpRegistryAddWorkerHash, OpRegistryRemoveWorkerHash,
		OpRegistryAddModelHash, OpRegistryRemoveModelHash:
		var req HashRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.ChangeHash(ctx, op, req)
	case OpRegistryAddBroker:
		var req AddBrokerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.AddBroker(ctx, req)
	case OpRegistryUpdateBroker:
		var req UpdateBrokerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.UpdateBroker(ctx, req)
	case OpRegistryDeleteBroker:
		var req DeleteBrokerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.DeleteBroker(ctx, req)
	case OpRegistryChangeFees:
		var req ChangeFeesRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.ChangeFees(ctx, req)
	case OpRegistryChangeParams:
		var req ChangeParamsRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.ChangeParams(ctx, req)
	case OpRegistryChangeCode:
		var req ChangeCodeRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.ChangeCode(ctx, req)
	case OpRegistryUpgrade:
		var req UpgradeRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.Upgrade(ctx, req)
	case OpRegistryReset:
		var req ResetRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.Reset(ctx, req)
	case OpRegistryChangeOwner:
		var req ChangeOwnerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return r.ChangeOwner(ctx, req)
	default:
		return nil, ErrUnknownOp.Wrapf("registry op 0x%08x", op)
	}
}

// Adds or removes a trusted broker, worker or model code hash.
// Called by: owner
func (r *Registry) ChangeHash(ctx *chain.CallContext, op uint32, req HashRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	var set *[]CodeHash
	switch op {
	case OpRegistryAddBrokerHash, OpRegistryRemoveBrokerHash:
		set = &r.TrustedBrokers
	case OpRegistryAddWorkerHash, OpRegistryRemoveWorkerHash:
		set = &r.TrustedWorkers
	case OpRegistryAddModelHash, OpRegistryRemoveModelHash:
		set = &r.TrustedModels
	default:
		return nil, ErrUnknownOp.Wrapf("registry op 0x%08x", op)
	}
	switch op {
	case OpRegistryAddBrokerHash, OpRegistryAddWorkerHash, OpRegistryAddModelHash:
		*set = insert(*set, req.Hash)
	default:
		var ok bool
		if *set, ok = remove(*set, req.Hash); !ok {
			return nil, ErrNotFound.Wrapf("code hash %s", req.Hash)
		}
	}
	log.Debugf("registry %s: op 0x%08x hash %s", r.addr.Short(), op, req.Hash)
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Registers a broker endpoint under the next sequence number.
// Called by: owner
func (r *Registry) AddBroker(ctx *chain.CallContext, req AddBrokerRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	r.Brokers = append(r.Brokers, BrokerEntry{
		Seqno:    r.NextSeqno,
		Address:  req.Broker,
		Endpoint: req.Endpoint,
	})
	r.NextSeqno++
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Called by: owner
func (r *Registry) UpdateBroker(ctx *chain.CallContext, req UpdateBrokerRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	i, ok := r.findBroker(req.Seqno)
	if !ok {
		return nil, ErrNotFound.Wrapf("broker seqno %d", req.Seqno)
	}
	r.Brokers[i].Endpoint = req.Endpoint
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Deletes a directory entry. Its seqno is never handed out again.
// Called by: owner
func (r *Registry) DeleteBroker(ctx *chain.CallContext, req DeleteBrokerRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	i, ok := r.findBroker(req.Seqno)
	if !ok {
		return nil, ErrNotFound.Wrapf("broker seqno %d", req.Seqno)
	}
	r.Brokers = append(r.Brokers[:i], r.Brokers[i+1:]...)
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Called by: owner
func (r *Registry) ChangeFees(ctx *chain.CallContext, req ChangeFeesRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	p := r.Params.next()
	p.PricePerUnit = req.PricePerUnit
	p.BrokerFeePerUnit = req.BrokerFeePerUnit
	p.PromptMultiplier = req.PromptMultiplier
	p.CachedMultiplier = req.CachedMultiplier
	p.CompletionMultiplier = req.CompletionMultiplier
	p.ReasoningMultiplier = req.ReasoningMultiplier
	if err := r.setParams(p); err != nil {
		return nil, err
	}
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Called by: owner
func (r *Registry) ChangeParams(ctx *chain.CallContext, req ChangeParamsRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	p := r.Params.next()
	p.BrokerCloseDelay = req.BrokerCloseDelay
	p.ClientCloseDelay = req.ClientCloseDelay
	p.MinBrokerStake = req.MinBrokerStake
	p.MinClientStake = req.MinClientStake
	if err := r.setParams(p); err != nil {
		return nil, err
	}
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Replaces the code images new accounts are created with. The new broker
// and worker code become trusted.
// Called by: owner
func (r *Registry) ChangeCode(ctx *chain.CallContext, req ChangeCodeRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	p := r.Params.next()
	p.BrokerCode = req.BrokerCode
	p.WorkerCode = req.WorkerCode
	p.ClientCode = req.ClientCode
	if err := r.setParams(p); err != nil {
		return nil, err
	}
	r.TrustedBrokers = insert(r.TrustedBrokers, p.BrokerCode)
	r.TrustedWorkers = insert(r.TrustedWorkers, p.WorkerCode)
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Replaces schema version and the complete Params. The version number
// stays under registry control and keeps increasing.
// Called by: owner
func (r *Registry) Upgrade(ctx *chain.CallContext, req UpgradeRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	if req.SchemaVersion < r.SchemaVersion {
		return nil, ErrInvalidParams.Wrapf("schema version %d below current %d", req.SchemaVersion, r.SchemaVersion)
	}
	p := req.Params
	p.Version = r.Params.Version + 1
	if err := r.setParams(p); err != nil {
		return nil, err
	}
	r.SchemaVersion = req.SchemaVersion
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Clears all code allow-lists. The broker directory is kept.
// Called by: owner
func (r *Registry) Reset(ctx *chain.CallContext, req ResetRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	r.TrustedBrokers = nil
	r.TrustedWorkers = nil
	r.TrustedModels = nil
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

// Called by: owner
func (r *Registry) ChangeOwner(ctx *chain.CallContext, req ChangeOwnerRequest) ([]chain.Message, error) {
	if err := requireOwner(ctx, r.Owner); err != nil {
		return nil, err
	}
	if req.NewOwner.IsZero() {
		return nil, ErrBadMessage.Wrap("empty owner")
	}
	r.Owner = req.NewOwner
	return excesses(ctx, req.SendExcessesTo, req.QueryID, ctx.Value), nil
}

func (r *Registry) setParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	log.Debugf("registry %s: params version %d -> %d", r.addr.Short(), r.Params.Version, p.Version)
	r.Params = p
	return nil
}

func (r *Registry) findBroker(seqno uint64) (int, bool) {
	i := sort.Search(len(r.Brokers), func(i int) bool {
		return r.Brokers[i].Seqno >= seqno
	})
	return i, i < len(r.Brokers) && r.Brokers[i].Seqno == seqno
}

func compareHash(a, b CodeHash) int {
	return bytes.Compare(a[:], b[:])
}

func search(set []CodeHash, h CodeHash) int {
	return sort.Search(len(set), func(i int) bool {
		return compareHash(set[i], h) >= 0
	})
}

func contains(set []CodeHash, h CodeHash) bool {
	i := search(set, h)
	return i < len(set) && set[i] == h
}

func insert(set []CodeHash, h CodeHash) []CodeHash {
	i := search(set, h)
	if i < len(set) && set[i] == h {
		return set
	}
	set = append(set, CodeHash{})
	copy(set[i+1:], set[i:])
	set[i] = h
	return set
}

func remove(set []CodeHash, h CodeHash) ([]CodeHash, bool) {
	i := search(set, h)
	if i == len(set) || set[i] != h {
		return set, false
	}
	return append(set[:i], set[i+1:]...), true
}
