// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockwatch.cc/meterpay/pkg/chain"
	"blockwatch.cc/meterpay/pkg/meter"
)

func testParams() meter.Params {
	return meter.Params{
		Version:              1,
		PricePerUnit:         1000,
		BrokerFeePerUnit:     100,
		PromptMultiplier:     meter.MultiplierOne,
		CachedMultiplier:     meter.MultiplierOne,
		CompletionMultiplier: meter.MultiplierOne,
		ReasoningMultiplier:  meter.MultiplierOne,
		BrokerCloseDelay:     3600,
		ClientCloseDelay:     600,
		MinBrokerStake:       10,
		MinClientStake:       1,
		BrokerCode:           meter.CodeHashOf([]byte("broker")),
		WorkerCode:           meter.CodeHashOf([]byte("worker")),
		ClientCode:           meter.CodeHashOf([]byte("client")),
	}
}

func openTemp(t *testing.T) *Store {
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "meter.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestLoadEmpty(t *testing.T) {
	s := openTemp(t)
	l, ok, err := s.Load(context.Background(), meter.NewContract)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, l)
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	l := chain.NewLedger(1_700_000_000)
	owner := chain.WalletAddress("owner")
	reg, err := meter.NewRegistry(owner, testParams())
	require.NoError(t, err)
	require.NoError(t, l.Deploy(reg, chain.Coin))

	key, err := chain.NewKeySigner(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	b, err := reg.NewBroker(chain.WalletAddress("broker.owner"), key.Pubkey(), 10*chain.Coin)
	require.NoError(t, err)
	require.NoError(t, l.Deploy(b, 10*chain.Coin))

	c, err := b.NewClient(chain.WalletAddress("client.owner"), 5, 1)
	require.NoError(t, err)
	require.NoError(t, l.Deploy(c, chain.Coin))
	l.Credit(owner, 3*chain.Coin)
	l.Advance(42)

	require.NoError(t, s.Save(ctx, l))

	l2, ok, err := s.Load(ctx, meter.NewContract)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, l.Now(), l2.Now())
	assert.ElementsMatch(t, l.Accounts(), l2.Accounts())
	for _, a := range l.Accounts() {
		assert.Equal(t, l.Funds(a), l2.Funds(a), a.String())
	}

	got, ok := l2.Contract(c.Address())
	require.True(t, ok)
	c2 := got.(*meter.Client)
	assert.Equal(t, c.ClientState, c2.ClientState)

	got, ok = l2.Contract(reg.Address())
	require.True(t, ok)
	assert.Equal(t, reg.Info(), got.(*meter.Registry).Info())

	// a second save replaces the first one
	l.Advance(10)
	l.Credit(chain.WalletAddress("late"), 1)
	require.NoError(t, s.Save(ctx, l))
	l3, ok, err := s.Load(ctx, meter.NewContract)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, l.Now(), l3.Now())
	assert.Len(t, l3.Accounts(), len(l.Accounts()))
}

func TestLoadRejectsTamperedState(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	l := chain.NewLedger(1)
	reg, err := meter.NewRegistry(chain.WalletAddress("owner"), testParams())
	require.NoError(t, err)
	require.NoError(t, l.Deploy(reg, 0))
	require.NoError(t, s.Save(ctx, l))

	_, err = s.db.ExecContext(ctx, `UPDATE accounts SET address = ?`, chain.WalletAddress("other").String())
	require.NoError(t, err)
	_, _, err = s.Load(ctx, meter.NewContract)
	assert.ErrorIs(t, err, chain.ErrDecodeState)
}
