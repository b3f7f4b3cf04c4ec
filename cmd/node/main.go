// Copyright (c) 2022 Blockwatch Data Inc.
// Author: alex@blockwatch.cc

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echa/log"

	"blockwatch.cc/meterpay/pkg/chain"
	"blockwatch.cc/meterpay/pkg/config"
	"blockwatch.cc/meterpay/pkg/meter"
	"blockwatch.cc/meterpay/pkg/store"
)

var (
	configPath string
	flags      = flag.NewFlagSet("node", flag.ContinueOnError)
)

func init() {
	flags.Usage = func() {}
	flags.StringVar(&configPath, "config", os.Getenv("METERPAY_CONFIG"), "YAML config file")
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

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(cfg.Log.Options())
	chain.UseLogger(log.NewLogger("CHAN"))
	meter.UseLogger(log.NewLogger("METR"))
	store.UseLogger(log.NewLogger("STOR"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger, registry, err := bootstrap(ctx, db, cfg)
	if err != nil {
		return err
	}
	srv := newServer(ledger, registry)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", cfg.Server.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	ticker := time.NewTicker(cfg.Server.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := srv.save(ctx, db); err != nil {
				log.Errorf("saving ledger: %v", err)
			}
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
			log.Infof("Shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil {
				log.Errorf("http shutdown: %v", err)
			}
			return srv.save(sctx, db)
		}
	}
}

// bootstrap loads the stored ledger or creates a new one holding only the
// configured registry.
func bootstrap(ctx context.Context, db *store.Store, cfg *config.Config) (*chain.Ledger, chain.Address, error) {
	owner := cfg.RegistryOwner()
	addr, err := meter.RegistryAddress(owner)
	if err != nil {
		return nil, addr, err
	}
	ledger, ok, err := db.Load(ctx, meter.NewContract)
	if err != nil {
		return nil, addr, err
	}
	if ok {
		if _, found := ledger.Contract(addr); !found {
			return nil, addr, fmt.Errorf("stored ledger has no registry at %s", addr)
		}
		log.Infof("Loaded ledger with %d accounts at time %d", len(ledger.Accounts()), ledger.Now())
		return ledger, addr, nil
	}

	params, err := cfg.ProtocolParams()
	if err != nil {
		return nil, addr, err
	}
	reg, err := meter.NewRegistry(owner, params)
	if err != nil {
		return nil, addr, err
	}
	ledger = chain.NewLedger(time.Now().Unix())
	if err := ledger.Deploy(reg, chain.Coins(cfg.Registry.Funds)); err != nil {
		return nil, addr, err
	}
	if err := db.Save(ctx, ledger); err != nil {
		return nil, addr, err
	}
	log.Infof("Deployed registry %s owned by %s", addr, owner)
	return ledger, addr, nil
}

func (s *server) save(ctx context.Context, db *store.Store) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return db.Save(ctx, s.ledger)
}
