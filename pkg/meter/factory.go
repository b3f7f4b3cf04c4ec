// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package meter

import (
	"blockwatch.cc/meterpay/pkg/chain"
)

// NewContract returns an empty account of kind for restoring persisted
// state. It is the chain.Factory of this package.
func NewContract(kind chain.Kind) (chain.Contract, error) {
	switch kind {
	case KindRegistry:
		return &Registry{}, nil
	case KindBroker:
		return &Broker{}, nil
	case KindWorker:
		return &Worker{}, nil
	case KindClient:
		return &Client{}, nil
	default:
		return nil, chain.ErrUnknownAccount.Wrapf("contract kind %d", kind)
	}
}

var _ chain.Factory = NewContract
