// Command flashkvd runs the key-value store's TCP server: it parses
// configuration, opens the Database facade against a data directory, and
// serves one connection per accepted client until a shutdown signal
// arrives, at which point it stops accepting, drains in-flight
// connections, and flushes the current MemLevel before exiting (§5, §9).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/flashkv/flashkv/internal/config"
	"github.com/flashkv/flashkv/internal/db"
	"github.com/flashkv/flashkv/internal/wire"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("flashkvd exited with error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := Run(ctx, cfg, log); err != nil {
		log.Error("flashkvd exited with error", "err", err)
		os.Exit(1)
	}
}

// Run opens the database at cfg.DataDir, listens on cfg.Port, and serves
// connections until ctx is canceled, at which point it stops accepting new
// connections, waits for in-flight ones to finish, and flushes the current
// MemLevel before returning.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	database, err := db.Open(cfg.DataDir, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	return Serve(ctx, listener, database, log)
}

// Serve runs the accept loop against an already-bound listener and an
// already-opened database, until ctx is canceled. Split out from Run so
// tests can bind an ephemeral port and observe its address before traffic
// starts.
func Serve(ctx context.Context, listener net.Listener, database *db.Database, log *slog.Logger) error {
	log.Info("listening", "addr", listener.Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return listener.Close()
	})

	g.Go(func() error {
		return acceptLoop(gctx, listener, database, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error("server loop exited with error", "err", err)
	}

	log.Info("shutting down, flushing mem level")
	if err := database.Close(); err != nil {
		return fmt.Errorf("flush on shutdown: %w", err)
	}
	return nil
}

func acceptLoop(ctx context.Context, listener net.Listener, database *db.Database, log *slog.Logger) error {
	var conns errgroup.Group
	defer conns.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		conns.Go(func() error {
			wire.Serve(ctx, conn, database, log)
			return nil
		})
	}
}
