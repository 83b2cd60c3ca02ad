package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cogitolabs/cogmesh/internal/clock"
	"github.com/cogitolabs/cogmesh/internal/contentstore"
	"github.com/cogitolabs/cogmesh/internal/coord"
	"github.com/cogitolabs/cogmesh/internal/events"
	"github.com/cogitolabs/cogmesh/internal/graph"
	"github.com/cogitolabs/cogmesh/internal/orchestrator"
	"github.com/cogitolabs/cogmesh/internal/peers"
	"github.com/cogitolabs/cogmesh/internal/scheduler"
	"github.com/cogitolabs/cogmesh/internal/storage"
)

var (
	dataDir             string
	listenPort          int
	bootstrapPeers      []string
	maxConcurrent       int
	maxAttempts         int
	ackTimeout          time.Duration
	distributeThreshold float64
	shardThreshold      int

	rootCmd = &cobra.Command{
		Use:   "cogmesh",
		Short: "Dependency-aware task scheduler with decentralized peer coordination",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a scheduler node",
		RunE:  runNode,
	}

	idCmd = &cobra.Command{
		Use:   "id",
		Short: "Print this node's peer id",
		RunE:  printID,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for keys and databases")

	runCmd.Flags().IntVar(&listenPort, "port", 7946, "coordination listen port (0 picks a free port)")
	runCmd.Flags().StringSliceVar(&bootstrapPeers, "peer", nil, "bootstrap peer address (repeatable)")
	runCmd.Flags().IntVar(&maxConcurrent, "concurrency", 4, "max in-flight task executions")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "retry budget per task")
	runCmd.Flags().DurationVar(&ackTimeout, "ack-timeout", 30*time.Second, "wait before reclaiming an announced task")
	runCmd.Flags().Float64Var(&distributeThreshold, "distribute-above", 0,
		"announce tasks with base priority at or above this value (0 keeps everything local)")
	runCmd.Flags().IntVar(&shardThreshold, "shard-above", contentstore.DefaultShardThreshold,
		"erasure-code payloads at or above this many bytes")

	rootCmd.AddCommand(runCmd, idCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cogmesh"
	}
	return filepath.Join(home, ".cogmesh")
}

// loadIdentity reads the Ed25519 seed from the data dir, generating and
// persisting one on first run.
func loadIdentity() (coord.Identity, error) {
	keyPath := filepath.Join(dataDir, "node.key")
	if data, err := os.ReadFile(keyPath); err == nil && len(data) == ed25519.SeedSize {
		return coord.IdentityFromKey(ed25519.NewKeyFromSeed(data)), nil
	}

	id, err := coord.NewIdentity()
	if err != nil {
		return coord.Identity{}, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return coord.Identity{}, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, id.PrivateKey.Seed(), 0600); err != nil {
		return coord.Identity{}, fmt.Errorf("write key: %w", err)
	}
	return id, nil
}

func printID(cmd *cobra.Command, args []string) error {
	id, err := loadIdentity()
	if err != nil {
		return err
	}
	fmt.Println(id.PeerID)
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	id, err := loadIdentity()
	if err != nil {
		return err
	}
	log.Printf("[cogmesh] node %.16s starting", id.PeerID)

	blobStore, err := contentstore.NewSQLiteStore(filepath.Join(dataDir, "content.db"))
	if err != nil {
		return err
	}
	defer blobStore.Close()
	// Large payloads and results are erasure-coded behind the same Store
	// surface; everything below the threshold passes straight through.
	store := contentstore.NewShardedStore(blobStore, shardThreshold)

	journal, err := storage.NewJournal(filepath.Join(dataDir, "journal.db"))
	if err != nil {
		return err
	}
	defer journal.Close()

	transport := coord.NewTransport(id)
	if err := transport.Listen(listenPort); err != nil {
		return err
	}
	defer transport.Close()
	id.Address = transport.Addr()
	log.Printf("[cogmesh] listening on %s", transport.Addr())

	pubsub := coord.NewPubSub(id, transport)
	directory := peers.NewDirectory(id.PeerID)

	g := graph.New()
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) {
		log.Printf("[cogmesh] %s task %.8s %s", e.Type, e.TaskID, strings.TrimSpace(e.ResultRef+" "+e.Err))
	})

	var policy orchestrator.DistributePolicy
	if distributeThreshold > 0 {
		policy = orchestrator.DistributeAbovePriority(distributeThreshold)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Graph:     g,
		Scheduler: scheduler.New(g, scheduler.Config{}),
		Clock:     clock.New(),
		Executor:  passthroughExecutor{store: store},
		Store:     store,
		PubSub:    pubsub,
		Directory: directory,
		Journal:   journal,
		Bus:       bus,
	}, orchestrator.Config{
		MaxAttempts:   maxAttempts,
		MaxConcurrent: maxConcurrent,
		AckTimeout:    ackTimeout,
		Distribute:    policy,
	})

	for _, addr := range bootstrapPeers {
		if err := transport.Connect(addr); err != nil {
			log.Printf("[cogmesh] bootstrap %s: %v", addr, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[cogmesh] shutting down")
	return nil
}

// passthroughExecutor resolves a node's content reference and stores it back
// as the result. It stands in for a real executor so a node can run and the
// coordination machinery can be observed end to end.
type passthroughExecutor struct {
	store contentstore.Store
}

func (p passthroughExecutor) Execute(_ context.Context, node *graph.ThoughtNode) ([]byte, error) {
	if node.ContentRef == "" {
		return []byte(node.ID), nil
	}
	data, err := p.store.Get(contentstore.CID(node.ContentRef))
	if err != nil {
		return nil, fmt.Errorf("resolve content %s: %w", node.ContentRef, err)
	}
	return data, nil
}
