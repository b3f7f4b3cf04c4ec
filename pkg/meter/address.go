// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"fmt"

	"blockwatch.cc/meterpay/pkg/chain"
	"github.com/near/borsh-go"
	mh "github.com/multiformats/go-multihash"
)

const (
	KindRegistry chain.Kind = 1
	KindBroker   chain.Kind = 2
	KindWorker   chain.Kind = 3
	KindClient   chain.Kind = 4
)

// RegistryCode is the code hash the registry address is derived from.
var RegistryCode = CodeHashOf([]byte("meterpay/registry/v1"))

type addressPreimage struct {
	Kind uint8
	Code CodeHash
	Init []byte
}

// DeriveAddress computes a contract address from its kind, code hash and
// canonical initial fields. The same function is used when deploying an
// account and when a broker checks the sender of an inbound settlement.
func DeriveAddress(kind chain.Kind, code CodeHash, init any) (chain.Address, error) {
	var addr chain.Address
	fields, err := borsh.Serialize(init)
	if err != nil {
		return addr, fmt.Errorf("derive address: %w", err)
	}
	buf, err := borsh.Serialize(addressPreimage{
		Kind: uint8(kind),
		Code: code,
		Init: fields,
	})
	if err != nil {
		return addr, fmt.Errorf("derive address: %w", err)
	}
	sum, err := mh.Sum(buf, mh.SHA2_256, -1)
	if err != nil {
		return addr, fmt.Errorf("derive address: %w", err)
	}
	dec, err := mh.Decode(sum)
	if err != nil {
		return addr, fmt.Errorf("derive address: %w", err)
	}
	copy(addr[:], dec.Digest)
	return addr, nil
}

type registryInit struct {
	Owner chain.Address
}

type brokerInit struct {
	Owner    chain.Address
	Pubkey   chain.Pubkey
	Registry chain.Address
	Params   EconomicParams
}

// childInit is shared by workers and clients, both are bound to one
// broker and its key.
type childInit struct {
	Owner  chain.Address
	Broker chain.Address
	Pubkey chain.Pubkey
	Params EconomicParams
}

func RegistryAddress(owner chain.Address) (chain.Address, error) {
	return DeriveAddress(KindRegistry, RegistryCode, registryInit{Owner: owner})
}

func BrokerAddress(p Params, owner chain.Address, pk chain.Pubkey, registry chain.Address) (chain.Address, error) {
	return DeriveAddress(KindBroker, p.BrokerCode, brokerInit{
		Owner:    owner,
		Pubkey:   pk,
		Registry: registry,
		Params:   p.WithoutCode(),
	})
}

func WorkerAddress(p Params, owner, broker chain.Address, pk chain.Pubkey) (chain.Address, error) {
	return DeriveAddress(KindWorker, p.WorkerCode, childInit{
		Owner:  owner,
		Broker: broker,
		Pubkey: pk,
		Params: p.WithoutCode(),
	})
}

func ClientAddress(p Params, owner, broker chain.Address, pk chain.Pubkey) (chain.Address, error) {
	return DeriveAddress(KindClient, p.ClientCode, childInit{
		Owner:  owner,
		Broker: broker,
		Pubkey: pk,
		Params: p.WithoutCode(),
	})
}
