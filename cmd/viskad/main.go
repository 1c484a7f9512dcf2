// Command viskad runs one Viska node: a self-sovereign identity that dials
// and accepts mutually-authenticated QUIC connections with peers, persists
// conversation state locally, and exposes a loopback RPC surface for a UI
// process to observe and command it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/seamlik/viska/internal/node"
	"github.com/seamlik/viska/internal/pki"
)

func main() {
	// Check for CLI subcommands before parsing the daemon's own flags.
	if len(os.Args) > 1 {
		dirData := defaultDirData()
		if RunCLI(os.Args[1:], dirData) {
			return
		}
	}

	dirData := flag.String("dir-data", defaultDirData(), "profile root directory")
	accountIDFlag := flag.String("account-id", "", "hex-encoded AccountId to run as (required; create one with 'viskad account create')")
	rpcAddr := flag.String("rpc-addr", "127.0.0.1:7890", "loopback address for the local RPC service")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *accountIDFlag == "" {
		slog.Error("missing required flag", "flag", "-account-id")
		os.Exit(1)
	}
	accountID, err := pki.ParseAccountID(*accountIDFlag)
	if err != nil {
		slog.Error("invalid account id", "err", err)
		os.Exit(1)
	}

	h, err := node.Start(node.Config{
		DirData:   *dirData,
		AccountID: accountID,
		RPCAddr:   *rpcAddr,
	})
	if err != nil {
		slog.Error("failed to start node", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()
	<-ctx.Done()

	if err := h.Shutdown(); err != nil {
		slog.Error("error during shutdown", "err", err)
		os.Exit(1)
	}
}

func defaultDirData() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".viska"
	}
	return filepath.Join(dir, ".viska")
}
