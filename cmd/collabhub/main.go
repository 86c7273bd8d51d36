// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command collabhub runs the collaborative document sync hub.
//
// The hub serves a binary websocket protocol for real-time document
// collaboration: rooms, awareness relay, and durable persistence with
// snapshot compaction backed by Badger.
//
// # Configuration
//
// Configuration merges, in increasing priority: built-in defaults, the
// YAML file given by --config, and COLLAB_* environment variables.
//
//	COLLAB_LISTEN_ADDR        listener address (default :12290)
//	COLLAB_DATA_DIR           Badger data directory (default ./data)
//	COLLAB_SNAPSHOT_INTERVAL  ops between snapshots (default 100)
//	COLLAB_RETENTION          oplog retention window (default 720h)
//	COLLAB_LOG_LEVEL          debug, info, warn, error
//	COLLAB_TRACING_ENABLED    enable OTLP trace export
//
// # Usage
//
//	# Build
//	go build -o collabhub ./cmd/collabhub
//
//	# Run with defaults
//	./collabhub serve
//
//	# Run with a config file
//	./collabhub serve --config /etc/aleutiansync/config.yaml
//
//	# Join a document as a smoke-test peer
//	./collabhub client --doc d1 --user alice --name Alice
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSync/services/collab"
	"github.com/AleutianAI/AleutianSync/services/collab/client"
	"github.com/AleutianAI/AleutianSync/services/collab/config"
	"github.com/AleutianAI/AleutianSync/services/collab/engine"
	"github.com/AleutianAI/AleutianSync/services/collab/room"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "collabhub",
		Short: "Real-time collaborative document sync hub",
		Long: `Collabhub keeps document replicas converged across websocket
clients: it relays CRDT updates and presence between room members and
persists every accepted operation durably before fan-out.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		Run:   runServe,
	}

	checkConfigCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		Run:   runCheckConfig,
	}

	clientURL      string
	clientDoc      string
	clientUser     string
	clientName     string
	clientCacheDir string

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Run a peer against a hub for smoke testing",
		Long: `Client joins a document as a live peer: relayed updates and
presence are printed to stdout, and stdin lines of the form key=value
become document edits. EOF on stdin leaves the peer listening; interrupt
to exit.`,
		Run: runClient,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml",
		"path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)

	clientCmd.Flags().StringVar(&clientURL, "url", "ws://localhost:12290/ws", "hub websocket endpoint")
	clientCmd.Flags().StringVar(&clientDoc, "doc", "", "document id to join (required)")
	clientCmd.Flags().StringVar(&clientUser, "user", "", "user id to authenticate as (required)")
	clientCmd.Flags().StringVar(&clientName, "name", "", "display name announced to peers")
	clientCmd.Flags().StringVar(&clientCacheDir, "cache-dir", "", "offline replica directory (empty disables the cache)")
	_ = clientCmd.MarkFlagRequired("doc")
	_ = clientCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(clientCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	svc, err := collab.New(cfg)
	if err != nil {
		log.Fatalf("Failed to start hub: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Hub error: %v", err)
	}
}

func runClient(cmd *cobra.Command, args []string) {
	c, err := client.New(client.Config{
		URL:        clientURL,
		DocumentID: clientDoc,
		UserID:     clientUser,
		CacheDir:   clientCacheDir,
	}, engine.AutomergeFactory{})
	if err != nil {
		log.Fatalf("Client setup error: %v", err)
	}

	c.OnUpdate = func(update []byte) {
		fmt.Fprintf(os.Stdout, "update: %d bytes merged\n", len(update))
	}
	c.OnPresence = func(blob []byte) {
		if p, ok := room.DecodePresence(blob); ok {
			if p.Left {
				fmt.Fprintf(os.Stdout, "presence: %s left\n", p.ClientID)
			} else {
				fmt.Fprintf(os.Stdout, "presence: %s (%s)\n", p.ClientID, p.Name)
			}
			return
		}
		fmt.Fprintf(os.Stdout, "presence: %d opaque bytes\n", len(blob))
	}

	if clientName != "" {
		c.SetPresence(room.EncodePresence(room.Presence{ClientID: clientUser, Name: clientName}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			key, value, ok := strings.Cut(sc.Text(), "=")
			if !ok || key == "" {
				fmt.Fprintln(os.Stderr, "expected key=value")
				continue
			}
			doc := automerge.New()
			if err := doc.Path(key).Set(value); err != nil {
				fmt.Fprintf(os.Stderr, "edit error: %v\n", err)
				continue
			}
			if _, err := doc.Commit("cli edit"); err != nil {
				fmt.Fprintf(os.Stderr, "edit error: %v\n", err)
				continue
			}
			if err := c.Propose(doc.Save()); err != nil {
				fmt.Fprintf(os.Stderr, "propose error: %v\n", err)
			}
		}
	}()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Client error: %v", err)
	}
}

func runCheckConfig(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	fmt.Fprintf(os.Stdout, "listen_addr:        %s\n", cfg.Server.ListenAddr)
	fmt.Fprintf(os.Stdout, "data_dir:           %s (in_memory=%v)\n", cfg.Storage.DataDir, cfg.Storage.InMemory)
	fmt.Fprintf(os.Stdout, "snapshot_interval:  %d\n", cfg.Persistence.SnapshotInterval)
	fmt.Fprintf(os.Stdout, "snapshot_keep:      %d\n", cfg.Persistence.SnapshotKeep)
	fmt.Fprintf(os.Stdout, "retention:          %s\n", cfg.Persistence.Retention)
	fmt.Fprintf(os.Stdout, "idle_eviction:      %s\n", cfg.Persistence.IdleEviction)
	fmt.Fprintf(os.Stdout, "tracing_enabled:    %v\n", cfg.Observability.TracingEnabled)
	fmt.Fprintf(os.Stdout, "acl_documents:      %d\n", len(cfg.ACL.Documents))
	fmt.Println("configuration OK")
}
