// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "meter"

// protocol sentinel errors, callers assert on the numeric code
var (
	ErrAuthorization   = errorsmod.Register(Codespace, 2, "unauthorized sender")
	ErrBadSignature    = errorsmod.Register(Codespace, 3, "bad signature")
	ErrStaleCounter    = errorsmod.Register(Codespace, 4, "stale counter")
	ErrClosed          = errorsmod.Register(Codespace, 5, "account closed")
	ErrNotUnlockedYet  = errorsmod.Register(Codespace, 6, "not unlocked yet")
	ErrLowValue        = errorsmod.Register(Codespace, 7, "attached value too low")
	ErrLowSmcBalance   = errorsmod.Register(Codespace, 8, "account balance too low")
	ErrUnknownOp       = errorsmod.Register(Codespace, 9, "unknown op")
	ErrAddressMismatch = errorsmod.Register(Codespace, 10, "address mismatch")
	ErrAlreadyClosed   = errorsmod.Register(Codespace, 11, "already closing or closed")
	ErrBadMessage      = errorsmod.Register(Codespace, 12, "malformed message")
	ErrInvalidParams   = errorsmod.Register(Codespace, 13, "invalid params")
	ErrUntrustedCode   = errorsmod.Register(Codespace, 14, "untrusted code")
	ErrNotClosing      = errorsmod.Register(Codespace, 15, "account is not closing")
	ErrInvalidStake    = errorsmod.Register(Codespace, 16, "invalid stake")
	ErrNotFound        = errorsmod.Register(Codespace, 17, "not found")
)
