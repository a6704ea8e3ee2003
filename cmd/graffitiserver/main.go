// Package main provides the entry point for the graffiti server: a
// federated store of JSON objects organized into privacy-preserving
// channels.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/config"
	"github.com/graffitinet/graffiti-server/internal/peerdisc"
	"github.com/graffitinet/graffiti-server/internal/router"
	"github.com/graffitinet/graffiti-server/internal/server"
	"github.com/graffitinet/graffiti-server/internal/store"
)

var log = logging.Logger("graffiti")

var rootCmd = &cobra.Command{
	Use:   "graffitiserver",
	Short: "Graffiti - federated JSON object store with private channels",
	Long: `graffitiserver hosts graffiti objects: versioned JSON values that
actors publish into channels addressed by hashed keys, so the server
can route and replicate objects without learning what the channels
mean. It serves the object and discovery HTTP surface and optionally
announces its hosted channels to peers over a DHT.`,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the graffiti daemon",
	Long:  `Start the graffiti daemon: object store, HTTP surface and peer discovery.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize graffiti configuration",
	Long:  `Write a default configuration file and create the data directory.`,
	RunE:  runInit,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override HTTP listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Storage.Path, "graffiti.db"), cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	rt := router.New(st)
	auth := server.TrustedHeaderAuth{Header: cfg.Server.ActorHeader}
	srv := server.New(rt, st, auth, cfg.Server.CacheMaxAge)

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Serving %s on %s", cfg.Server.Origin, cfg.Server.Listen)
		serverErr <- srv.Start(cfg.Server.Listen)
	}()

	// Peer discovery: announce hosted channels and relay change
	// notices for them.
	var disc *peerdisc.Service
	if cfg.Network.Enable {
		disc, err = peerdisc.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create peer discovery node: %w", err)
		}
		if err := disc.Start(); err != nil {
			return fmt.Errorf("failed to start peer discovery: %w", err)
		}
		log.Infof("Peer ID: %s", disc.PeerID())

		for _, ch := range cfg.Network.Channels {
			if err := disc.Announce(ch); err != nil {
				log.Warnf("Failed to announce channel: %v", err)
				continue
			}
			go relayChanges(ctx, st, disc, ch)
		}
		go logNotices(ctx, disc)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warnf("Server shutdown error: %v", err)
	}
	if disc != nil {
		if err := disc.Stop(); err != nil {
			log.Warnf("Peer discovery shutdown error: %v", err)
		}
	}
	return nil
}

// relayChanges watches local mutations in one announced channel and
// gossips their identity and stamp to peers. Values never leave the
// store this way; peers fetch them over HTTP if interested.
func relayChanges(ctx context.Context, st *store.Store, disc *peerdisc.Service, plaintext string) {
	sub := st.Subscribe([]channel.Key{channel.KeyOf(plaintext)}, nil, "")
	defer sub.Close()

	for {
		res, ok := sub.Next(ctx)
		if !ok {
			return
		}
		err := disc.PublishChange(plaintext, peerdisc.ChangeNotice{
			Actor:        res.Object.Actor,
			Name:         res.Object.Name,
			Source:       res.Object.Source,
			LastModified: res.Object.LastModified,
		})
		if err != nil {
			log.Debugf("Failed to gossip change: %v", err)
		}
	}
}

func logNotices(ctx context.Context, disc *peerdisc.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-disc.Notices():
			log.Debugf("Peer change on %s: %s/%s @ %s",
				n.Channel, n.Actor, n.Name,
				time.UnixMilli(n.LastModified).UTC().Format(time.RFC3339))
		}
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	log.Infof("Initialized graffiti configuration at %s", path)
	return nil
}
