// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Coin is one whole unit of the native currency.
const Coin Coins = 1_000_000_000

// Address identifies an account on the ledger. Contract addresses are
// derived from code and initial state, wallet addresses are arbitrary.
type Address [32]byte

var ZeroAddress Address

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) String() string {
	return "0:" + hex.EncodeToString(a[:])
}

func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddress accepts the raw form "0:<hex>" as well as bare hex.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(s, "0:")
	buf, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("address %q: %w", s, err)
	}
	if len(buf) != len(a) {
		return a, fmt.Errorf("address %q: invalid length %d", s, len(buf))
	}
	copy(a[:], buf)
	return a, nil
}

// WalletAddress builds a deterministic wallet address from a name,
// used by tests and simulations for external owners.
func WalletAddress(name string) Address {
	var a Address
	copy(a[:], name)
	return a
}

type Coins uint64

func (m Coins) Mul(n uint64) Coins {
	return m * Coins(n)
}

func (m Coins) Div(n uint64) Coins {
	return m / Coins(n)
}

// SafeSub subtracts n and saturates at zero.
func (m Coins) SafeSub(n Coins) Coins {
	if n > m {
		return 0
	}
	return m - n
}

func Min(a, b Coins) Coins {
	if a < b {
		return a
	}
	return b
}

func (m Coins) String() string {
	return fmt.Sprintf("%d.%09d", uint64(m/Coin), uint64(m%Coin))
}

type Pubkey [ed25519.PublicKeySize]byte

func (k Pubkey) String() string {
	return hex.EncodeToString(k[:])
}

func (k Pubkey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Pubkey) UnmarshalText(b []byte) error {
	v, err := ParsePubkey(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func ParsePubkey(s string) (Pubkey, error) {
	var k Pubkey
	buf, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(buf) != len(k) {
		return k, fmt.Errorf("pubkey: invalid length %d", len(buf))
	}
	copy(k[:], buf)
	return k, nil
}

type Signature [ed25519.SignatureSize]byte

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

func (s Signature) Verify(pk Pubkey, data []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), data, s[:])
}

type Signer interface {
	Pubkey() Pubkey
	Sign([]byte) Signature
}

// KeySigner signs with an in-memory ed25519 private key.
type KeySigner struct {
	key ed25519.PrivateKey
}

func GenerateKey() (*KeySigner, error) {
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: sk}, nil
}

// NewKeySigner accepts either a 32 byte seed or a 64 byte private key.
func NewKeySigner(buf []byte) (*KeySigner, error) {
	switch len(buf) {
	case ed25519.SeedSize:
		return &KeySigner{key: ed25519.NewKeyFromSeed(buf)}, nil
	case ed25519.PrivateKeySize:
		sk := make([]byte, len(buf))
		copy(sk, buf)
		return &KeySigner{key: sk}, nil
	default:
		return nil, fmt.Errorf("invalid private key size %d", len(buf))
	}
}

func (s *KeySigner) Pubkey() Pubkey {
	var pk Pubkey
	copy(pk[:], s.key.Public().(ed25519.PublicKey))
	return pk
}

func (s *KeySigner) Sign(data []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(s.key, data))
	return sig
}

func (s *KeySigner) Seed() []byte {
	return s.key.Seed()
}

// Transaction context available during contract execution
type CallContext struct {
	Self   Address // receiving contract
	Sender Address // message source, zero for external messages
	Value  Coins   // attached value
	Funds  Coins   // account funds including the attached value
	Now    int64   // ledger time in unix seconds
}

func (c *CallContext) IsExternal() bool {
	return c.Sender.IsZero()
}
