// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package chain

// Kind tags the contract type of a persisted account. Zero is a plain
// wallet without code.
type Kind uint8

const KindWallet Kind = 0

// Contract is an account with code. The ledger delivers one message at a
// time; a handler error discards all state changes of that message.
type Contract interface {
	Address() Address
	Kind() Kind
	Receive(ctx *CallContext, body []byte) ([]Message, error)

	// fixed-order binary state layout, used for rollback and persistence
	MarshalState() ([]byte, error)
	UnmarshalState([]byte) error
}
