// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/echa/log"
	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/near/borsh-go"

	"blockwatch.cc/meterpay/pkg/chain"
	"blockwatch.cc/meterpay/pkg/meter"
)

var (
	REGISTRY_OWNER = chain.WalletAddress("registry.owner")
	BROKER_OWNER   = chain.WalletAddress("broker.owner")
	WORKER_OWNER   = chain.WalletAddress("worker.owner")
	CLIENT_OWNER   = chain.WalletAddress("client.owner")
)

// scenario serves a number of requests through one broker, worker and
// client, settles them and shuts everything down again.
type scenario struct {
	Params   meter.Params
	Key      chain.Signer
	Requests int
	Usage    meter.Usage
	TopUp    chain.Coins
	Force    bool // client forces its refund instead of the broker granting it
	Now      int64
	Out      io.Writer

	ledger   *chain.Ledger
	oracle   *meter.Oracle
	registry *meter.Registry
	broker   *meter.Broker
	worker   *meter.Worker
	client   *meter.Client
	qid      uint64
}

// usage content ids use CIDv1 raw sha2-256, same as code hashes
var usagePrefix = cid.Prefix{
	Version:  1,
	Codec:    uint64(mc.Raw),
	MhType:   mh.SHA2_256,
	MhLength: -1, // default length
}

func (s *scenario) Run() error {
	if s.Params.WeightedUnits(s.Usage) == 0 {
		return fmt.Errorf("usage %+v weighs zero units", s.Usage)
	}
	if err := s.deploy(); err != nil {
		return err
	}
	if err := s.open(); err != nil {
		return err
	}
	for i := 0; i < s.Requests; i++ {
		if err := s.serve(i); err != nil {
			return err
		}
	}
	if err := s.settle(); err != nil {
		return err
	}
	if err := s.closeBroker(); err != nil {
		return err
	}
	s.report()
	return nil
}

func (s *scenario) deploy() error {
	s.ledger = chain.NewLedger(s.Now)
	s.oracle = meter.NewOracle(s.Key, s.Params)

	var err error
	if s.registry, err = meter.NewRegistry(REGISTRY_OWNER, s.Params); err != nil {
		return err
	}
	if s.broker, err = s.registry.NewBroker(BROKER_OWNER, s.Key.Pubkey(), s.Params.MinBrokerStake); err != nil {
		return err
	}
	if s.worker, err = s.broker.NewWorker(WORKER_OWNER); err != nil {
		return err
	}
	if s.client, err = s.broker.NewClient(CLIENT_OWNER, s.Params.MinClientStake, s.Params.MinClientStake); err != nil {
		return err
	}
	for _, x := range []struct {
		c     chain.Contract
		funds chain.Coins
	}{
		{s.registry, chain.Coin},
		{s.broker, s.Params.MinBrokerStake},
		{s.worker, chain.Coin},
		{s.client, chain.Coin},
	} {
		if err := s.ledger.Deploy(x.c, x.funds); err != nil {
			return err
		}
	}
	log.Infof("Registry %s", s.registry.Address())
	log.Infof("Broker   %s pubkey %s", s.broker.Address(), s.Key.Pubkey())
	log.Infof("Worker   %s", s.worker.Address())
	log.Infof("Client   %s", s.client.Address())
	return nil
}

func (s *scenario) nextQuery() uint64 {
	s.qid++
	return s.qid
}

func (s *scenario) send(name string, from, to chain.Address, value chain.Coins, op uint32, payload any) error {
	body, err := chain.EncodeBody(op, payload)
	if err != nil {
		return err
	}
	return s.check(name, s.ledger.Send(chain.Message{
		From:   from,
		To:     to,
		Value:  value,
		Bounce: true,
		Body:   body,
	}))
}

// external delivers a signed attestation the way a relayer would, without
// value attached.
func (s *scenario) external(name string, to chain.Address, op uint32, sa meter.SignedAttestation) error {
	buf, err := borsh.Serialize(sa)
	if err != nil {
		return fmt.Errorf("serializing attestation: %v", err)
	}
	log.Infof("%s attestation op=0x%08x counter=%d %s", name, sa.Payload.Op, sa.Payload.Counter, hex.EncodeToString(buf))
	body, err := chain.EncodeBody(op, sa)
	if err != nil {
		return err
	}
	return s.check(name, s.ledger.Send(chain.Message{To: to, Body: body}))
}

func (s *scenario) check(name string, rec chain.Receipt) error {
	if !rec.Ok() {
		return fmt.Errorf("%s: %w", name, rec.Err)
	}
	if rec.Dropped > 0 {
		log.Warnf("%s: %d outbound messages dropped", name, rec.Dropped)
	}
	log.Debugf("%s: ok, %d messages sent", name, rec.Sent)
	return nil
}

func (s *scenario) open() error {
	s.ledger.Credit(CLIENT_OWNER, s.TopUp+10*meter.ForwardFee)
	s.ledger.Credit(WORKER_OWNER, 10*meter.ForwardFee)

	if err := s.send("top-up", CLIENT_OWNER, s.client.Address(), s.TopUp+meter.ForwardFee, meter.OpClientTopUp, meter.TopUpRequest{
		QueryID:        s.nextQuery(),
		Amount:         s.TopUp,
		SendExcessesTo: CLIENT_OWNER,
	}); err != nil {
		return err
	}
	if err := s.send("client register", CLIENT_OWNER, s.client.Address(), meter.ForwardFee, meter.OpClientRegister, meter.ClientRegisterRequest{
		QueryID:        s.nextQuery(),
		SendExcessesTo: CLIENT_OWNER,
	}); err != nil {
		return err
	}
	return s.send("worker register", WORKER_OWNER, s.worker.Address(), meter.ForwardFee, meter.OpWorkerRegister, meter.WorkerRegisterRequest{
		QueryID:        s.nextQuery(),
		SendExcessesTo: WORKER_OWNER,
	})
}

func (s *scenario) serve(i int) error {
	buf, err := json.Marshal(struct {
		Seq   int         `json:"seq"`
		Usage meter.Usage `json:"usage"`
	}{i, s.Usage})
	if err != nil {
		return err
	}
	c, err := usagePrefix.Sum(buf)
	if err != nil {
		return err
	}
	units := s.oracle.Record(s.client.Address(), s.worker.Address(), s.Usage)
	log.Infof("Request %d cid %s: %d units, counter %d", i, c, units, s.oracle.Counter(s.client.Address()))

	sa, err := s.oracle.Sign(meter.AttestCharge, s.client.Address(), s.nextQuery(), CLIENT_OWNER)
	if err != nil {
		return err
	}
	if err := s.external("charge", s.client.Address(), meter.OpClientSignedCharge, sa); err != nil {
		return err
	}
	sa, err = s.oracle.Sign(meter.AttestPayout, s.worker.Address(), s.nextQuery(), WORKER_OWNER)
	if err != nil {
		return err
	}
	return s.external("payout", s.worker.Address(), meter.OpWorkerSignedPayout, sa)
}

func (s *scenario) settle() error {
	if s.Force {
		if err := s.send("request refund", CLIENT_OWNER, s.client.Address(), meter.ForwardFee, meter.OpClientRequestRefund, meter.OwnerRequest{
			QueryID:        s.nextQuery(),
			SendExcessesTo: CLIENT_OWNER,
		}); err != nil {
			return err
		}
		now := s.ledger.Advance(int64(s.Params.ClientCloseDelay))
		log.Infof("Clock advanced to %d", now)
		if err := s.send("force refund", CLIENT_OWNER, s.client.Address(), meter.ForwardFee, meter.OpClientRequestRefund, meter.OwnerRequest{
			QueryID:        s.nextQuery(),
			SendExcessesTo: CLIENT_OWNER,
		}); err != nil {
			return err
		}
	} else {
		sa, err := s.oracle.Sign(meter.AttestGrantRefund, s.client.Address(), s.nextQuery(), CLIENT_OWNER)
		if err != nil {
			return err
		}
		if err := s.external("grant refund", s.client.Address(), meter.OpClientSignedGrantRefund, sa); err != nil {
			return err
		}
	}
	sa, err := s.oracle.Sign(meter.AttestLastPayout, s.worker.Address(), s.nextQuery(), WORKER_OWNER)
	if err != nil {
		return err
	}
	return s.external("last payout", s.worker.Address(), meter.OpWorkerSignedPayout, sa)
}

func (s *scenario) closeBroker() error {
	sa, err := s.oracle.Sign(meter.AttestCloseRequest, s.broker.Address(), s.nextQuery(), chain.ZeroAddress)
	if err != nil {
		return err
	}
	if err := s.external("close request", s.broker.Address(), meter.OpBrokerSignedClose, sa); err != nil {
		return err
	}
	now := s.ledger.Advance(int64(s.Params.BrokerCloseDelay))
	log.Infof("Clock advanced to %d", now)
	sa, err = s.oracle.Sign(meter.AttestCloseComplete, s.broker.Address(), s.nextQuery(), chain.ZeroAddress)
	if err != nil {
		return err
	}
	return s.external("close complete", s.broker.Address(), meter.OpBrokerCloseComplete, sa)
}

func (s *scenario) report() {
	if s.Out == nil {
		return
	}
	w := tabwriter.NewWriter(s.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tADDRESS\tFUNDS\tSTATE")
	row := func(name string, a chain.Address, state string) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, a.Short(), s.ledger.Funds(a), state)
	}
	row("registry", s.registry.Address(), "")
	row("broker", s.broker.Address(), s.broker.State.String())
	row("worker", s.worker.Address(), s.worker.State.String())
	row("client", s.client.Address(), s.client.State.String())
	row("broker.owner", BROKER_OWNER, "")
	row("worker.owner", WORKER_OWNER, "")
	row("client.owner", CLIENT_OWNER, "")
	w.Flush()
}
