// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"
)

// OpComment is the zero opcode. A body carrying it is either empty or
// followed by a UTF-8 text comment.
const OpComment uint32 = 0

// SendMode controls how the ledger funds an outbound message.
type SendMode uint8

const (
	SendValue    SendMode = iota // send exactly Value
	SendCarryAll                 // send the sender's remaining funds
)

// Message is the envelope of every ledger message. Body starts with a
// 4 byte little endian opcode followed by the borsh encoded payload.
type Message struct {
	From     Address
	To       Address
	Value    Coins
	Bounce   bool
	RefundTo Address // bounced value goes here, falls back to From
	Mode     SendMode
	Body     []byte
}

func (m Message) Op() uint32 {
	op, _, _ := DecodeBody(m.Body)
	return op
}

// EncodeBody serializes a payload struct behind its opcode.
func EncodeBody(op uint32, payload any) ([]byte, error) {
	buf := make([]byte, 4, 64)
	binary.LittleEndian.PutUint32(buf, op)
	if payload == nil {
		return buf, nil
	}
	data, err := borsh.Serialize(payload)
	if err != nil {
		return nil, fmt.Errorf("encode op 0x%08x: %w", op, err)
	}
	return append(buf, data...), nil
}

// MustEncodeBody is EncodeBody for payloads known to serialize.
func MustEncodeBody(op uint32, payload any) []byte {
	buf, err := EncodeBody(op, payload)
	if err != nil {
		panic(err)
	}
	return buf
}

// CommentBody builds a text comment body.
func CommentBody(text string) []byte {
	buf := make([]byte, 4, 4+len(text))
	return append(buf, text...)
}

// DecodeBody splits a body into opcode and payload. An empty body
// decodes as OpComment with no payload.
func DecodeBody(body []byte) (uint32, []byte, error) {
	switch {
	case len(body) == 0:
		return OpComment, nil, nil
	case len(body) < 4:
		return 0, nil, fmt.Errorf("short body of %d bytes", len(body))
	}
	return binary.LittleEndian.Uint32(body), body[4:], nil
}

// DecodePayload deserializes a borsh payload into dst, which must be a
// pointer to a struct.
func DecodePayload(data []byte, dst any) error {
	return borsh.Deserialize(dst, data)
}
