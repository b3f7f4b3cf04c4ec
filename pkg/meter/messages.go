// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"blockwatch.cc/meterpay/pkg/chain"
)

// Opcodes of inbound messages. Op 0 (text comment), OpHeartbeat and
// OpExcesses are accepted by every account without effect.
const (
	OpHeartbeat uint32 = 0x9c0e1fb2
	OpExcesses  uint32 = 0xd53276db

	// registry admin
	OpRegistryAddBrokerHash    uint32 = 0x2a0b1c01
	OpRegistryRemoveBrokerHash uint32 = 0x2a0b1c02
	OpRegistryAddWorkerHash    uint32 = 0x2a0b1c03
	OpRegistryRemoveWorkerHash uint32 = 0x2a0b1c04
	OpRegistryAddModelHash     uint32 = 0x2a0b1c05
	OpRegistryRemoveModelHash  uint32 = 0x2a0b1c06
	OpRegistryAddBroker        uint32 = 0x2a0b1c07
	OpRegistryUpdateBroker     uint32 = 0x2a0b1c08
	OpRegistryDeleteBroker     uint32 = 0x2a0b1c09
	OpRegistryChangeFees       uint32 = 0x2a0b1c0a
	OpRegistryChangeParams     uint32 = 0x2a0b1c0b
	OpRegistryChangeCode       uint32 = 0x2a0b1c0c
	OpRegistryUpgrade          uint32 = 0x2a0b1c0d
	OpRegistryReset            uint32 = 0x2a0b1c0e
	OpRegistryChangeOwner      uint32 = 0x2a0b1c0f

	// broker
	OpBrokerOwnerClose    uint32 = 0x3b7e0101
	OpBrokerSignedClose   uint32 = 0x3b7e0102
	OpBrokerCloseComplete uint32 = 0x3b7e0103
	OpBrokerPayoutRequest uint32 = 0x3b7e0104
	OpBrokerIncreaseStake uint32 = 0x3b7e0105
	OpBrokerWorkerSettle  uint32 = 0x3b7e0106
	OpBrokerClientSettle  uint32 = 0x3b7e0107

	// worker
	OpWorkerRegister     uint32 = 0x4c5a0201
	OpWorkerSignedPayout uint32 = 0x4c5a0202

	// client
	OpClientTopUp                uint32 = 0x5d110301
	OpClientRegister             uint32 = 0x5d110302
	OpClientChangeSecretHash     uint32 = 0x5d110303
	OpClientChangeSecretAndTopUp uint32 = 0x5d110304
	OpClientIncreaseStake        uint32 = 0x5d110305
	OpClientWithdraw             uint32 = 0x5d110306
	OpClientRequestRefund        uint32 = 0x5d110307
	OpClientSignedCharge         uint32 = 0x5d110308
	OpClientSignedGrantRefund    uint32 = 0x5d110309
	OpClientTopUpRefused         uint32 = 0x5d11030a
)

// Attestation opcodes, signed inside the attestation payload.
const (
	AttestPayout        uint32 = 0xa77e0001
	AttestLastPayout    uint32 = 0xa77e0002
	AttestCharge        uint32 = 0xa77e0003
	AttestGrantRefund   uint32 = 0xa77e0004
	AttestCloseRequest  uint32 = 0xa77e0005
	AttestCloseComplete uint32 = 0xa77e0006
)

// ForwardFee is the minimum value an inbound message must carry when its
// handler forwards a message to another account.
const ForwardFee chain.Coins = chain.Coin / 100

type Excesses struct {
	QueryID uint64
}

type Heartbeat struct {
	QueryID uint64
}

// registry

type HashRequest struct {
	QueryID        uint64
	Hash           CodeHash
	SendExcessesTo chain.Address
}

type AddBrokerRequest struct {
	QueryID        uint64
	Endpoint       string
	Broker         chain.Address
	SendExcessesTo chain.Address
}

type UpdateBrokerRequest struct {
	QueryID        uint64
	Seqno          uint64
	Endpoint       string
	SendExcessesTo chain.Address
}

type DeleteBrokerRequest struct {
	QueryID        uint64
	Seqno          uint64
	SendExcessesTo chain.Address
}

type ChangeFeesRequest struct {
	QueryID              uint64
	PricePerUnit         chain.Coins
	BrokerFeePerUnit     chain.Coins
	PromptMultiplier     uint32
	CachedMultiplier     uint32
	CompletionMultiplier uint32
	ReasoningMultiplier  uint32
	SendExcessesTo       chain.Address
}

type ChangeParamsRequest struct {
	QueryID          uint64
	BrokerCloseDelay uint32
	ClientCloseDelay uint32
	MinBrokerStake   chain.Coins
	MinClientStake   chain.Coins
	SendExcessesTo   chain.Address
}

type ChangeCodeRequest struct {
	QueryID        uint64
	BrokerCode     CodeHash
	WorkerCode     CodeHash
	ClientCode     CodeHash
	SendExcessesTo chain.Address
}

type UpgradeRequest struct {
	QueryID        uint64
	SchemaVersion  uint32
	Params         Params
	SendExcessesTo chain.Address
}

type ResetRequest struct {
	QueryID        uint64
	SendExcessesTo chain.Address
}

type ChangeOwnerRequest struct {
	QueryID        uint64
	NewOwner       chain.Address
	SendExcessesTo chain.Address
}

// broker

type OwnerRequest struct {
	QueryID        uint64
	SendExcessesTo chain.Address
}

type PayoutRequest struct {
	QueryID        uint64
	Amount         chain.Coins
	SendExcessesTo chain.Address
}

type IncreaseStakeRequest struct {
	QueryID        uint64
	Amount         chain.Coins
	SendExcessesTo chain.Address
}

type WorkerSettleKind uint8

const (
	WorkerRegister WorkerSettleKind = iota
	WorkerPayout
	WorkerLastPayout
)

func (k WorkerSettleKind) String() string {
	switch k {
	case WorkerRegister:
		return "register"
	case WorkerPayout:
		return "payout"
	case WorkerLastPayout:
		return "last_payout"
	default:
		return "unknown"
	}
}

// WorkerSettlement is sent by a worker to its broker. The broker derives
// the expected sender from WorkerOwner.
type WorkerSettlement struct {
	QueryID        uint64
	Kind           WorkerSettleKind
	WorkerOwner    chain.Address
	WorkerPart     chain.Coins
	BrokerPart     chain.Coins
	SendExcessesTo chain.Address
}

type ClientSettleKind uint8

const (
	ClientTopUp ClientSettleKind = iota
	ClientRegister
	ClientCharge
	ClientWithdraw
	ClientRefundGranted
	ClientRefundForce
)

func (k ClientSettleKind) String() string {
	switch k {
	case ClientTopUp:
		return "top_up"
	case ClientRegister:
		return "register"
	case ClientCharge:
		return "charge"
	case ClientWithdraw:
		return "withdraw"
	case ClientRefundGranted:
		return "refund_granted"
	case ClientRefundForce:
		return "refund_force"
	default:
		return "unknown"
	}
}

// ClientSettlement is sent by a client to its broker. The broker derives
// the expected sender from ClientOwner.
//
// Deposit is the client's initial balance, attached once with the first
// settlement. Charged is the final charge applied by a refund grant.
type ClientSettlement struct {
	QueryID        uint64
	Kind           ClientSettleKind
	ClientOwner    chain.Address
	Coins          chain.Coins
	Deposit        chain.Coins
	Charged        chain.Coins
	SendExcessesTo chain.Address
}

// TopUpRefused returns a top-up the broker did not accept to the client,
// which takes it off its balance and pays the value to its owner.
type TopUpRefused struct {
	QueryID uint64
	Amount  chain.Coins
}

// worker

type WorkerRegisterRequest struct {
	QueryID        uint64
	SendExcessesTo chain.Address
}

// client

type TopUpRequest struct {
	QueryID        uint64
	Amount         chain.Coins
	SendExcessesTo chain.Address
}

type ClientRegisterRequest struct {
	QueryID        uint64
	SendExcessesTo chain.Address
}

type ChangeSecretHashRequest struct {
	QueryID        uint64
	SecretHash     [32]byte
	SendExcessesTo chain.Address
}

type ChangeSecretAndTopUpRequest struct {
	QueryID        uint64
	Amount         chain.Coins
	SecretHash     [32]byte
	SendExcessesTo chain.Address
}

type ClientIncreaseStakeRequest struct {
	QueryID        uint64
	NewStake       chain.Coins
	SendExcessesTo chain.Address
}
