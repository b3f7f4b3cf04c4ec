// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"sync"

	"blockwatch.cc/meterpay/pkg/chain"
)

// Oracle is the off-chain side of a broker. It accumulates served usage
// per client and worker and signs the attestations those accounts accept.
type Oracle struct {
	mu      sync.Mutex
	signer  chain.Signer
	params  Params
	counter map[chain.Address]uint64
}

func NewOracle(s chain.Signer, p Params) *Oracle {
	return &Oracle{
		signer:  s,
		params:  p,
		counter: make(map[chain.Address]uint64),
	}
}

func (o *Oracle) Pubkey() chain.Pubkey {
	return o.signer.Pubkey()
}

// Record books one request served by worker for client and returns the
// weighted units it added to both cumulative counters.
func (o *Oracle) Record(client, worker chain.Address, u Usage) uint64 {
	units := o.params.WeightedUnits(u)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counter[client] += units
	o.counter[worker] += units
	return units
}

// Counter returns the cumulative units recorded for an account.
func (o *Oracle) Counter(addr chain.Address) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counter[addr]
}

// Sign attests the current counter of target under op.
func (o *Oracle) Sign(op uint32, target chain.Address, queryID uint64, refundTo chain.Address) (SignedAttestation, error) {
	return SignAttestation(o.signer, Attestation{
		Op:      op,
		QueryID: queryID,
		Counter: o.Counter(target),
		Target:  target,
	}, refundTo)
}

func (o *Oracle) Charge(client chain.Address, queryID uint64, refundTo chain.Address) ([]byte, error) {
	return o.body(OpClientSignedCharge, AttestCharge, client, queryID, refundTo)
}

func (o *Oracle) GrantRefund(client chain.Address, queryID uint64, refundTo chain.Address) ([]byte, error) {
	return o.body(OpClientSignedGrantRefund, AttestGrantRefund, client, queryID, refundTo)
}

func (o *Oracle) Payout(worker chain.Address, queryID uint64, refundTo chain.Address) ([]byte, error) {
	return o.body(OpWorkerSignedPayout, AttestPayout, worker, queryID, refundTo)
}

func (o *Oracle) LastPayout(worker chain.Address, queryID uint64, refundTo chain.Address) ([]byte, error) {
	return o.body(OpWorkerSignedPayout, AttestLastPayout, worker, queryID, refundTo)
}

func (o *Oracle) CloseRequest(broker chain.Address, queryID uint64) ([]byte, error) {
	return o.body(OpBrokerSignedClose, AttestCloseRequest, broker, queryID, chain.ZeroAddress)
}

func (o *Oracle) CloseComplete(broker chain.Address, queryID uint64) ([]byte, error) {
	return o.body(OpBrokerCloseComplete, AttestCloseComplete, broker, queryID, chain.ZeroAddress)
}

func (o *Oracle) body(op, attest uint32, target chain.Address, queryID uint64, refundTo chain.Address) ([]byte, error) {
	sa, err := o.Sign(attest, target, queryID, refundTo)
	if err != nil {
		return nil, err
	}
	return chain.EncodeBody(op, sa)
}
