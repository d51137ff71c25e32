package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tetatet/internal/blob"
	"tetatet/internal/call"
	"tetatet/internal/config"
	"tetatet/internal/conn"
	"tetatet/internal/roster"
	"tetatet/internal/storage"
	"tetatet/internal/transport/rtc"
)

func run(ctx context.Context) error {
	username := flag.String("username", "", "Username to register on first run (overrides TETATET_USERNAME)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *username != "" {
		cfg.Username = *username
	}

	store, err := storage.NewStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	blobs, err := blob.NewStore(cfg.BlobPath)
	if err != nil {
		return err
	}

	r := roster.New(ctx, store)
	if _, ok := r.Identity(); !ok {
		if cfg.Username == "" {
			return errors.New("no profile yet: set TETATET_USERNAME or pass -username for first-run setup")
		}
		ident, err := r.CreateIdentity(cfg.Username, cfg.Username)
		if err != nil {
			return err
		}
		log.Printf("Created profile %q", ident.ID)
	}

	relay := rtc.NewClient(rtc.Config{
		RelayURL: cfg.RelayURL,
		ICEURLs:  cfg.ICEURLs,
	})
	defer func() { _ = relay.Close() }()

	manager := conn.NewManager(ctx, relay, r, blobs)
	// Capture backends are provided by the embedding UI; the bare
	// daemon can receive invitations but answers without media until
	// one is wired in.
	calls := call.NewController(relay, &rtc.Source{}, r)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.Run(gCtx)
	})

	g.Go(func() error {
		return calls.Run(gCtx, manager.Calls())
	})

	// Drain state changes for the UI collaborator.
	g.Go(func() error {
		for {
			select {
			case ev := <-r.Events():
				log.Printf("event: %+v", ev)
			case <-gCtx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
