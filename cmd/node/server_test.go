// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockwatch.cc/meterpay/pkg/chain"
	"blockwatch.cc/meterpay/pkg/config"
	"blockwatch.cc/meterpay/pkg/meter"
)

const NOW int64 = 1_700_000_000

var (
	OWNER        = chain.WalletAddress("registry.owner")
	BROKER_OWNER = chain.WalletAddress("broker.owner")
	CLIENT_OWNER = chain.WalletAddress("client.owner")
)

type testNode struct {
	params   meter.Params
	registry chain.Address
	ledger   *chain.Ledger
	handler  http.Handler
}

func setupTestNode(t *testing.T) *testNode {
	t.Helper()
	params, err := config.Default().ProtocolParams()
	require.NoError(t, err)
	reg, err := meter.NewRegistry(OWNER, params)
	require.NoError(t, err)
	l := chain.NewLedger(NOW)
	require.NoError(t, l.Deploy(reg, chain.Coin))
	return &testNode{
		params:   params,
		registry: reg.Address(),
		ledger:   l,
		handler:  newServer(l, reg.Address()).routes(),
	}
}

func (n *testNode) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type deployed struct {
	Address chain.Address `json:"address"`
	Kind    string        `json:"kind"`
}

func (n *testNode) deployBroker(t *testing.T) chain.Address {
	key, err := chain.NewKeySigner(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	rec := n.do(t, http.MethodPost, "/deploy/broker", deployBrokerRequest{
		Owner:  BROKER_OWNER,
		Pubkey: key.Pubkey(),
		Stake:  n.params.MinBrokerStake,
		Funds:  n.params.MinBrokerStake,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeJSON[deployed](t, rec)
	assert.Equal(t, "broker", d.Kind)
	return d.Address
}

func (n *testNode) deployClient(t *testing.T, broker chain.Address) chain.Address {
	rec := n.do(t, http.MethodPost, "/deploy/client", deployChildRequest{
		Broker:  broker,
		Owner:   CLIENT_OWNER,
		Balance: n.params.MinClientStake,
		Stake:   n.params.MinClientStake,
		Funds:   chain.Coin,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeJSON[deployed](t, rec)
	assert.Equal(t, "client", d.Kind)
	return d.Address
}

func TestRegistryParams(t *testing.T) {
	n := setupTestNode(t)
	rec := n.do(t, http.MethodGet, "/registry/params", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, n.params, decodeJSON[meter.Params](t, rec))
}

func TestRegistryTrusted(t *testing.T) {
	n := setupTestNode(t)
	type trusted struct {
		Trusted bool `json:"trusted"`
	}

	rec := n.do(t, http.MethodGet, "/registry/trusted?kind=broker&hash="+n.params.BrokerCode.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeJSON[trusted](t, rec).Trusted)

	rec = n.do(t, http.MethodGet, "/registry/trusted?kind=model&hash="+n.params.BrokerCode.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeJSON[trusted](t, rec).Trusted)

	rec = n.do(t, http.MethodGet, "/registry/trusted?kind=other&hash="+n.params.BrokerCode.String(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = n.do(t, http.MethodGet, "/registry/trusted?kind=broker&hash=xyz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploy(t *testing.T) {
	n := setupTestNode(t)
	broker := n.deployBroker(t)
	assert.Equal(t, n.params.MinBrokerStake, n.ledger.Funds(broker))

	// same owner and key derive the same address
	key, err := chain.NewKeySigner(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	rec := n.do(t, http.MethodPost, "/deploy/broker", deployBrokerRequest{
		Owner:  BROKER_OWNER,
		Pubkey: key.Pubkey(),
		Stake:  n.params.MinBrokerStake,
		Funds:  n.params.MinBrokerStake,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// the stake must be paid in
	rec = n.do(t, http.MethodPost, "/deploy/broker", deployBrokerRequest{
		Owner:  chain.WalletAddress("unfunded"),
		Pubkey: key.Pubkey(),
		Stake:  n.params.MinBrokerStake,
		Funds:  n.params.MinBrokerStake - 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, meter.ErrLowValue.ABCICode(), decodeJSON[errorResponse](t, rec).Code)

	rec = n.do(t, http.MethodPost, "/deploy/broker", deployBrokerRequest{
		Owner:  chain.WalletAddress("poor"),
		Pubkey: key.Pubkey(),
		Stake:  n.params.MinBrokerStake - 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeJSON[errorResponse](t, rec)
	assert.Equal(t, "meter", e.Codespace)
	assert.Equal(t, meter.ErrInvalidStake.ABCICode(), e.Code)

	client := n.deployClient(t, broker)
	assert.Equal(t, chain.Coin, n.ledger.Funds(client))

	rec = n.do(t, http.MethodPost, "/deploy/client", deployChildRequest{
		Broker:  broker,
		Owner:   chain.WalletAddress("unbacked"),
		Balance: 5 * chain.Coin,
		Stake:   n.params.MinClientStake,
		Funds:   chain.Coin,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "balance not covered by funds")
	assert.Equal(t, meter.ErrLowValue.ABCICode(), decodeJSON[errorResponse](t, rec).Code)

	rec = n.do(t, http.MethodPost, "/deploy/worker", deployChildRequest{
		Broker: client,
		Owner:  chain.WalletAddress("worker.owner"),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "client is no broker")

	rec = n.do(t, http.MethodPost, "/deploy/worker", deployChildRequest{
		Broker: broker,
		Owner:  chain.WalletAddress("worker.owner"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "worker", decodeJSON[deployed](t, rec).Kind)
}

func TestMessages(t *testing.T) {
	n := setupTestNode(t)
	broker := n.deployBroker(t)
	client := n.deployClient(t, broker)

	rec := n.do(t, http.MethodPost, "/faucet", faucetRequest{Address: CLIENT_OWNER, Amount: 10 * chain.Coin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10*chain.Coin, n.ledger.Funds(CLIENT_OWNER))

	buf, err := chain.EncodeBody(meter.OpClientTopUp, meter.TopUpRequest{QueryID: 1, Amount: 2 * chain.Coin})
	require.NoError(t, err)
	rec = n.do(t, http.MethodPost, "/messages", messageRequest{
		From:   CLIENT_OWNER,
		To:     client,
		Value:  2*chain.Coin + meter.ForwardFee,
		Bounce: true,
		Body:   hex.EncodeToString(buf),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[messageResponse](t, rec)
	require.True(t, resp.Receipt.Ok, resp.Receipt.Error)
	assert.Equal(t, fmt.Sprintf("0x%08x", meter.OpClientTopUp), resp.Receipt.Op)
	require.NotEmpty(t, resp.Trace, "settlement forwarded to the broker")
	assert.Equal(t, broker, resp.Trace[0].To)
	for _, r := range resp.Trace {
		assert.True(t, r.Ok, r.Error)
	}

	rec = n.do(t, http.MethodGet, "/accounts/"+client.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decodeJSON[struct {
		Kind string `json:"kind"`
		Info struct {
			Balance chain.Coins `json:"balance"`
		} `json:"info"`
	}](t, rec)
	assert.Equal(t, "client", acc.Kind)
	assert.Equal(t, n.params.MinClientStake+2*chain.Coin, acc.Info.Balance)

	// contract addresses only send from their own handlers
	rec = n.do(t, http.MethodPost, "/messages", messageRequest{
		From:  client,
		To:    CLIENT_OWNER,
		Value: chain.Coin,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 8*chain.Coin-meter.ForwardFee, n.ledger.Funds(CLIENT_OWNER), "nothing minted")

	// comments are accepted without effect
	rec = n.do(t, http.MethodPost, "/messages", messageRequest{To: client, Comment: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeJSON[messageResponse](t, rec).Receipt.Ok)

	rec = n.do(t, http.MethodPost, "/messages", messageRequest{To: client, Body: "efbeadde"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeJSON[messageResponse](t, rec)
	assert.False(t, resp.Receipt.Ok)
	assert.Equal(t, "meter", resp.Receipt.Codespace)
	assert.Equal(t, meter.ErrUnknownOp.ABCICode(), resp.Receipt.Code)

	rec = n.do(t, http.MethodPost, "/messages", messageRequest{To: client, Body: "zz"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = n.do(t, http.MethodPost, "/messages", messageRequest{Comment: "nowhere"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = n.do(t, http.MethodGet, "/receipts?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	receipts := decodeJSON[[]receiptView](t, rec)
	require.Len(t, receipts, 2)
	assert.False(t, receipts[1].Ok, "newest last")
}

func TestAccounts(t *testing.T) {
	n := setupTestNode(t)
	broker := n.deployBroker(t)

	rec := n.do(t, http.MethodGet, "/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[[]deployed](t, rec)
	kinds := make(map[chain.Address]string)
	for _, a := range list {
		kinds[a.Address] = a.Kind
	}
	assert.Equal(t, "broker", kinds[broker])
	assert.Equal(t, "registry", kinds[n.registry])

	rec = n.do(t, http.MethodGet, "/accounts/"+chain.WalletAddress("nobody").String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = n.do(t, http.MethodGet, "/accounts/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClockAndMetrics(t *testing.T) {
	n := setupTestNode(t)
	rec := n.do(t, http.MethodPost, "/clock/advance?seconds=60", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, NOW+60, decodeJSON[map[string]int64](t, rec)["now"])
	assert.Equal(t, NOW+60, n.ledger.Now())

	rec = n.do(t, http.MethodPost, "/clock/advance?seconds=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = n.do(t, http.MethodPost, "/clock/advance?seconds=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = n.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
