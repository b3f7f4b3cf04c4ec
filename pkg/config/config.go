// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

// Package config loads node settings from built-in defaults, an optional
// YAML file and METERPAY_ environment variables, in that order.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	logpkg "github.com/echa/log"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"blockwatch.cc/meterpay/pkg/chain"
	"blockwatch.cc/meterpay/pkg/meter"
	"blockwatch.cc/meterpay/pkg/store"
)

const EnvPrefix = "METERPAY_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    store.Config   `koanf:"store"`
	Log      LogConfig      `koanf:"log"`
	Registry RegistryConfig `koanf:"registry"`
	Params   ParamsConfig   `koanf:"params"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	SaveInterval    time.Duration `koanf:"save_interval"`
}

type LogConfig struct {
	Level   string `koanf:"level"`
	Backend string `koanf:"backend"` // stdout, stderr, file
	File    string `koanf:"file"`
	NoColor bool   `koanf:"nocolor"`
}

// RegistryConfig describes the registry the node deploys on an empty
// ledger. Owner is a wallet name or a 0: prefixed hex address.
type RegistryConfig struct {
	Owner string `koanf:"owner"`
	Funds uint64 `koanf:"funds"`
}

// ParamsConfig is the text form of meter.Params. Code hashes are CIDs or
// hex sha2-256 digests.
type ParamsConfig struct {
	PricePerUnit         uint64 `koanf:"price_per_unit"`
	BrokerFeePerUnit     uint64 `koanf:"broker_fee_per_unit"`
	PromptMultiplier     uint32 `koanf:"prompt_multiplier"`
	CachedMultiplier     uint32 `koanf:"cached_multiplier"`
	CompletionMultiplier uint32 `koanf:"completion_multiplier"`
	ReasoningMultiplier  uint32 `koanf:"reasoning_multiplier"`
	BrokerCloseDelay     uint32 `koanf:"broker_close_delay"`
	ClientCloseDelay     uint32 `koanf:"client_close_delay"`
	MinBrokerStake       uint64 `koanf:"min_broker_stake"`
	MinClientStake       uint64 `koanf:"min_client_stake"`
	BrokerCode           string `koanf:"broker_code"`
	WorkerCode           string `koanf:"worker_code"`
	ClientCode           string `koanf:"client_code"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
			SaveInterval:    30 * time.Second,
		},
		Store: store.Config{
			Path: "meterpay.db",
		},
		Log: LogConfig{
			Level:   "info",
			Backend: "stdout",
		},
		Registry: RegistryConfig{
			Owner: "registry.owner",
			Funds: uint64(chain.Coin),
		},
		Params: ParamsConfig{
			PricePerUnit:         1000,
			BrokerFeePerUnit:     100,
			PromptMultiplier:     meter.MultiplierOne,
			CachedMultiplier:     meter.MultiplierOne / 4,
			CompletionMultiplier: 4 * meter.MultiplierOne,
			ReasoningMultiplier:  4 * meter.MultiplierOne,
			BrokerCloseDelay:     7 * 24 * 3600,
			ClientCloseDelay:     24 * 3600,
			MinBrokerStake:       uint64(100 * chain.Coin),
			MinClientStake:       uint64(chain.Coin / 10),
			BrokerCode:           hex.EncodeToString(hashOf("meterpay/broker/v1")),
			WorkerCode:           hex.EncodeToString(hashOf("meterpay/worker/v1")),
			ClientCode:           hex.EncodeToString(hashOf("meterpay/client/v1")),
		},
	}
}

func hashOf(image string) []byte {
	h := meter.CodeHashOf([]byte(image))
	return h[:]
}

// Load layers defaults, the YAML file at path (skipped when empty) and the
// environment. METERPAY_SERVER__ADDR sets server.addr.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("empty server address")
	}
	if c.Server.SaveInterval <= 0 {
		return fmt.Errorf("save interval must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("empty store path")
	}
	if logpkg.ParseLevel(c.Log.Level) == logpkg.LevelInvalid {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Registry.Owner == "" {
		return fmt.Errorf("empty registry owner")
	}
	if _, err := c.ProtocolParams(); err != nil {
		return err
	}
	return nil
}

// RegistryOwner resolves the configured owner to an address.
func (c Config) RegistryOwner() chain.Address {
	if a, err := chain.ParseAddress(c.Registry.Owner); err == nil {
		return a
	}
	return chain.WalletAddress(c.Registry.Owner)
}

// ProtocolParams builds and validates the initial Params snapshot.
func (c Config) ProtocolParams() (meter.Params, error) {
	p := c.Params
	params := meter.Params{
		Version:              1,
		PricePerUnit:         chain.Coins(p.PricePerUnit),
		BrokerFeePerUnit:     chain.Coins(p.BrokerFeePerUnit),
		PromptMultiplier:     p.PromptMultiplier,
		CachedMultiplier:     p.CachedMultiplier,
		CompletionMultiplier: p.CompletionMultiplier,
		ReasoningMultiplier:  p.ReasoningMultiplier,
		BrokerCloseDelay:     p.BrokerCloseDelay,
		ClientCloseDelay:     p.ClientCloseDelay,
		MinBrokerStake:       chain.Coins(p.MinBrokerStake),
		MinClientStake:       chain.Coins(p.MinClientStake),
	}
	var err error
	if params.BrokerCode, err = meter.ParseCodeHash(p.BrokerCode); err != nil {
		return params, fmt.Errorf("broker code: %w", err)
	}
	if params.WorkerCode, err = meter.ParseCodeHash(p.WorkerCode); err != nil {
		return params, fmt.Errorf("worker code: %w", err)
	}
	if params.ClientCode, err = meter.ParseCodeHash(p.ClientCode); err != nil {
		return params, fmt.Errorf("client code: %w", err)
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// Options converts the settings for log.Init.
func (c LogConfig) Options() *logpkg.Config {
	cfg := logpkg.NewConfig()
	cfg.Level = logpkg.ParseLevel(c.Level)
	cfg.NoColor = c.NoColor
	if c.Backend != "" {
		cfg.Backend = c.Backend
	}
	if c.File != "" {
		cfg.Filename = c.File
	}
	return cfg
}
