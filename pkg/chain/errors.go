// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package chain

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "chain"

// ledger sentinel errors
var (
	ErrAccountExists  = errorsmod.Register(Codespace, 2, "account already exists")
	ErrUnknownAccount = errorsmod.Register(Codespace, 3, "unknown account")
	ErrDecodeState    = errorsmod.Register(Codespace, 4, "cannot decode account state")
)
