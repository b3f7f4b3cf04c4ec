// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/echa/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockwatch.cc/meterpay/pkg/chain"
	"blockwatch.cc/meterpay/pkg/meter"
)

var decoder = schema.NewDecoder()

func init() {
	decoder.IgnoreUnknownKeys(true)
}

// server exposes a ledger over HTTP. Contract getters are not guarded by
// the ledger lock, so reads and writes are serialized here as well.
type server struct {
	mu       sync.RWMutex
	ledger   *chain.Ledger
	registry chain.Address
}

func newServer(l *chain.Ledger, registry chain.Address) *server {
	return &server{ledger: l, registry: registry}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/accounts", s.handleAccounts)
	r.Get("/accounts/{address}", s.handleAccount)
	r.Get("/registry/params", s.handleParams)
	r.Get("/registry/trusted", s.handleTrusted)
	r.Get("/receipts", s.handleReceipts)
	r.Post("/messages", s.handleMessage)
	r.Post("/deploy/broker", s.handleDeployBroker)
	r.Post("/deploy/worker", s.handleDeployWorker)
	r.Post("/deploy/client", s.handleDeployClient)
	r.Post("/faucet", s.handleFaucet)
	r.Post("/clock/advance", s.handleAdvance)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// lookup returns the contract at addr when it has type T.
func lookup[T chain.Contract](s *server, addr chain.Address) (T, error) {
	var zero T
	c, ok := s.ledger.Contract(addr)
	if !ok {
		return zero, chain.ErrUnknownAccount.Wrapf("%s", addr)
	}
	t, ok := c.(T)
	if !ok {
		return zero, chain.ErrUnknownAccount.Wrapf("%s has kind %d", addr, c.Kind())
	}
	return t, nil
}

type accountView struct {
	Address chain.Address `json:"address"`
	Kind    string        `json:"kind"`
	Funds   chain.Coins   `json:"funds"`
	Info    any           `json:"info,omitempty"`
}

func kindName(k chain.Kind) string {
	switch k {
	case chain.KindWallet:
		return "wallet"
	case meter.KindRegistry:
		return "registry"
	case meter.KindBroker:
		return "broker"
	case meter.KindWorker:
		return "worker"
	case meter.KindClient:
		return "client"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

func (s *server) view(addr chain.Address, full bool) accountView {
	v := accountView{
		Address: addr,
		Kind:    kindName(chain.KindWallet),
		Funds:   s.ledger.Funds(addr),
	}
	c, ok := s.ledger.Contract(addr)
	if !ok {
		return v
	}
	v.Kind = kindName(c.Kind())
	if !full {
		return v
	}
	switch x := c.(type) {
	case *meter.Registry:
		v.Info = x.Info()
	case *meter.Broker:
		v.Info = x.Info()
	case *meter.Worker:
		v.Info = x.Info()
	case *meter.Client:
		v.Info = x.Info()
	}
	return v
}

func (s *server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := s.ledger.Accounts()
	list := make([]accountView, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, s.view(a, false))
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := chain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, isContract := s.ledger.Contract(addr)
	if !isContract && s.ledger.Funds(addr) == 0 {
		writeError(w, http.StatusNotFound, chain.ErrUnknownAccount.Wrapf("%s", addr))
		return
	}
	writeJSON(w, http.StatusOK, s.view(addr, true))
}

func (s *server) handleParams(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, err := lookup[*meter.Registry](s, s.registry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, reg.CurrentParams())
}

type trustedQuery struct {
	Kind string `schema:"kind"`
	Hash string `schema:"hash"`
}

func (s *server) handleTrusted(w http.ResponseWriter, r *http.Request) {
	var q trustedQuery
	if err := decoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h, err := meter.ParseCodeHash(q.Hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, err := lookup[*meter.Registry](s, s.registry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var ok bool
	switch q.Kind {
	case "broker":
		ok = reg.IsTrustedBroker(h)
	case "worker":
		ok = reg.IsTrustedWorker(h)
	case "model":
		ok = reg.IsTrustedModel(h)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown hash kind %q", q.Kind))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    q.Kind,
		"hash":    h,
		"trusted": ok,
	})
}

type receiptView struct {
	From      chain.Address `json:"from"`
	To        chain.Address `json:"to"`
	Value     chain.Coins   `json:"value"`
	Op        string        `json:"op"`
	Ok        bool          `json:"ok"`
	Codespace string        `json:"codespace,omitempty"`
	Code      uint32        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Sent      int           `json:"sent"`
	Dropped   int           `json:"dropped"`
	Bounced   bool          `json:"bounced"`
}

func newReceiptView(r chain.Receipt) receiptView {
	v := receiptView{
		From:      r.Msg.From,
		To:        r.Msg.To,
		Value:     r.Msg.Value,
		Op:        fmt.Sprintf("0x%08x", r.Msg.Op()),
		Ok:        r.Ok(),
		Codespace: r.Codespace,
		Code:      r.Code,
		Sent:      r.Sent,
		Dropped:   r.Dropped,
		Bounced:   r.Bounced,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

type receiptsQuery struct {
	Limit int `schema:"limit"`
}

func (s *server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	q := receiptsQuery{Limit: 100}
	if err := decoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.RLock()
	all := s.ledger.Receipts()
	s.mu.RUnlock()
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[len(all)-q.Limit:]
	}
	list := make([]receiptView, 0, len(all))
	for _, rec := range all {
		list = append(list, newReceiptView(rec))
	}
	writeJSON(w, http.StatusOK, list)
}

// messageRequest injects one message. Body is hex encoded; Comment is a
// shortcut for a text comment body.
type messageRequest struct {
	From     chain.Address `json:"from"`
	To       chain.Address `json:"to"`
	Value    chain.Coins   `json:"value"`
	Bounce   bool          `json:"bounce"`
	RefundTo chain.Address `json:"refund_to"`
	Body     string        `json:"body"`
	Comment  string        `json:"comment"`
}

type messageResponse struct {
	Receipt receiptView   `json:"receipt"`
	Trace   []receiptView `json:"trace"`
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.To.IsZero() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing destination"))
		return
	}
	msg := chain.Message{
		From:     req.From,
		To:       req.To,
		Value:    req.Value,
		Bounce:   req.Bounce,
		RefundTo: req.RefundTo,
	}
	switch {
	case req.Body != "":
		buf, err := hex.DecodeString(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
		msg.Body = buf
	case req.Comment != "":
		msg.Body = chain.CommentBody(req.Comment)
	}

	s.mu.Lock()
	// only contract handlers send from contract addresses
	if _, ok := s.ledger.Contract(msg.From); ok {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, fmt.Errorf("sender %s is a contract", msg.From))
		return
	}
	trace := s.ledger.SendTrace(msg)
	s.mu.Unlock()

	resp := messageResponse{Receipt: newReceiptView(trace[0])}
	for _, x := range trace[1:] {
		resp.Trace = append(resp.Trace, newReceiptView(x))
	}
	log.Infof("message 0x%08x to %s: ok=%t sent=%d", msg.Op(), msg.To.Short(), trace[0].Ok(), len(resp.Trace))
	writeJSON(w, http.StatusOK, resp)
}

type deployBrokerRequest struct {
	Owner  chain.Address `json:"owner"`
	Pubkey chain.Pubkey  `json:"pubkey"`
	Stake  chain.Coins   `json:"stake"`
	Funds  chain.Coins   `json:"funds"`
}

func (s *server) handleDeployBroker(w http.ResponseWriter, r *http.Request) {
	var req deployBrokerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := lookup[*meter.Registry](s, s.registry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	b, err := reg.NewBroker(req.Owner, req.Pubkey, req.Stake)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Funds < req.Stake {
		writeError(w, http.StatusBadRequest, meter.ErrLowValue.Wrapf("funds %s do not cover stake %s", req.Funds, req.Stake))
		return
	}
	s.deploy(w, b, req.Funds)
}

type deployChildRequest struct {
	Broker  chain.Address `json:"broker"`
	Owner   chain.Address `json:"owner"`
	Balance chain.Coins   `json:"balance"`
	Stake   chain.Coins   `json:"stake"`
	Funds   chain.Coins   `json:"funds"`
}

func (s *server) handleDeployWorker(w http.ResponseWriter, r *http.Request) {
	s.deployChild(w, r, func(b *meter.Broker, req deployChildRequest) (chain.Contract, error) {
		return b.NewWorker(req.Owner)
	})
}

func (s *server) handleDeployClient(w http.ResponseWriter, r *http.Request) {
	s.deployChild(w, r, func(b *meter.Broker, req deployChildRequest) (chain.Contract, error) {
		return b.NewClient(req.Owner, req.Balance, req.Stake)
	})
}

func (s *server) deployChild(w http.ResponseWriter, r *http.Request, fn func(*meter.Broker, deployChildRequest) (chain.Contract, error)) {
	var req deployChildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := lookup[*meter.Broker](s, req.Broker)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	c, err := fn(b, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// the initial balance is paid to the broker out of the client funds
	if req.Funds < req.Balance {
		writeError(w, http.StatusBadRequest, meter.ErrLowValue.Wrapf("funds %s do not cover balance %s", req.Funds, req.Balance))
		return
	}
	s.deploy(w, c, req.Funds)
}

// deploy must be called with the write lock held.
func (s *server) deploy(w http.ResponseWriter, c chain.Contract, funds chain.Coins) {
	if err := s.ledger.Deploy(c, funds); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	log.Infof("deployed %s at %s", kindName(c.Kind()), c.Address())
	writeJSON(w, http.StatusCreated, s.view(c.Address(), true))
}

type faucetRequest struct {
	Address chain.Address `json:"address"`
	Amount  chain.Coins   `json:"amount"`
}

func (s *server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address.IsZero() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing address"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.Credit(req.Address, req.Amount)
	writeJSON(w, http.StatusOK, s.view(req.Address, false))
}

type advanceQuery struct {
	Seconds int64 `schema:"seconds"`
}

func (s *server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var q advanceQuery
	if err := decoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if q.Seconds < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("time cannot go back"))
		return
	}
	s.mu.Lock()
	now := s.ledger.Advance(q.Seconds)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int64{"now": now})
}

type errorResponse struct {
	Error     string `json:"error"`
	Codespace string `json:"codespace,omitempty"`
	Code      uint32 `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if space, code, _ := errorsmod.ABCIInfo(err, false); space != errorsmod.UndefinedCodespace {
		resp.Codespace, resp.Code = space, code
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		log.Error(err)
		http.Error(w, fmt.Sprintf("marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf)
}
