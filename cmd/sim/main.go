// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/echa/log"

	"blockwatch.cc/meterpay/pkg/chain"
	"blockwatch.cc/meterpay/pkg/config"
	"blockwatch.cc/meterpay/pkg/meter"
)

var (
	configPath string
	seedHex    string
	requests   int
	prompt     uint64
	cached     uint64
	completion uint64
	reasoning  uint64
	topUp      uint64
	force      bool
	verbose    bool
	flags      = flag.NewFlagSet("sim", flag.ContinueOnError)
)

func init() {
	flags.Usage = func() {}
	flags.StringVar(&configPath, "config", os.Getenv("METERPAY_CONFIG"), "YAML config file with protocol params")
	flags.StringVar(&seedHex, "seed", os.Getenv("METERPAY_BROKER_SEED"), "hex ed25519 seed of the broker key (random if empty)")
	flags.IntVar(&requests, "requests", 3, "number of requests to serve")
	flags.Uint64Var(&prompt, "prompt", 600, "prompt tokens per request")
	flags.Uint64Var(&cached, "cached", 0, "cached prompt tokens per request")
	flags.Uint64Var(&completion, "completion", 200, "completion tokens per request")
	flags.Uint64Var(&reasoning, "reasoning", 0, "reasoning tokens per request")
	flags.Uint64Var(&topUp, "topup", uint64(5*chain.Coin), "client top-up in nano units (1 coin = 10^9)")
	flags.BoolVar(&force, "force", false, "client forces its refund after the close delay")
	flags.BoolVar(&verbose, "v", false, "debug logging")
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	err := flags.Parse(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			fmt.Printf("Usage: %s [flags]\n", os.Args[0])
			fmt.Println("\nFlags")
			flags.PrintDefaults()
			return nil
		}
		return err
	}

	if verbose {
		log.SetLevel(log.LevelDebug)
		chain.UseLogger(log.NewLogger("CHAN"))
		meter.UseLogger(log.NewLogger("METR"))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	params, err := cfg.ProtocolParams()
	if err != nil {
		return err
	}

	var key *chain.KeySigner
	if seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return fmt.Errorf("invalid seed: %v", err)
		}
		if key, err = chain.NewKeySigner(seed); err != nil {
			return err
		}
	} else {
		if key, err = chain.GenerateKey(); err != nil {
			return err
		}
		log.Infof("Using random broker seed %s", hex.EncodeToString(key.Seed()))
	}

	s := &scenario{
		Params:   params,
		Key:      key,
		Requests: requests,
		Usage: meter.Usage{
			Prompt:     prompt,
			Cached:     cached,
			Completion: completion,
			Reasoning:  reasoning,
		},
		TopUp: chain.Coins(topUp),
		Force: force,
		Now:   time.Now().Unix(),
		Out:   os.Stdout,
	}
	return s.Run()
}
