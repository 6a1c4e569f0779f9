// Command hyperraftd runs one HyperRAFT++ node: the Log Replicator,
// State Projector, Finality Bus, Delivery Queue/Worker pool, gRPC
// transport, and admin/query HTTP surface, wired together per
// SPEC_FULL.md §6.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	grpclib "google.golang.org/grpc"

	"github.com/hyperraft/ledger/adminapi"
	"github.com/hyperraft/ledger/approval"
	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/config"
	"github.com/hyperraft/ledger/delivery"
	"github.com/hyperraft/ledger/finality"
	"github.com/hyperraft/ledger/raft"
	"github.com/hyperraft/ledger/storage"
	"github.com/hyperraft/ledger/storage/leveldb"
	"github.com/hyperraft/ledger/storage/memstore"
	"github.com/hyperraft/ledger/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nodeID    string
		peersFlag string
		dataDir   string
		adminAddr string
		raftAddr  string
		inMemory  bool
	)

	cmd := &cobra.Command{
		Use:   "hyperraftd",
		Short: "Run a HyperRAFT++ consensus, approval, and webhook-delivery node",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers := parsePeers(peersFlag)
			return run(cmd.Context(), nodeID, peers, dataDir, adminAddr, raftAddr, inMemory)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&nodeID, "node-id", "n1", "this node's stable identity")
	flags.StringVar(&peersFlag, "peers", "", "comma-separated peerID=host:port pairs")
	flags.StringVar(&dataDir, "data-dir", "./data", "directory for the goleveldb stores")
	flags.StringVar(&adminAddr, "admin-listen", ":8080", "admin/query HTTP listen address")
	flags.StringVar(&raftAddr, "raft-listen", ":8090", "raft gRPC transport listen address")
	flags.BoolVar(&inMemory, "in-memory", false, "use in-memory stores instead of goleveldb (testing only)")
	return cmd
}

// peerSpec is one peerID=host:port entry from --peers.
type peerSpec struct {
	id   raft.NodeID
	addr string
}

func parsePeers(flagVal string) []peerSpec {
	if flagVal == "" {
		return nil
	}
	var out []peerSpec
	for _, entry := range strings.Split(flagVal, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, peerSpec{id: raft.NodeID(parts[0]), addr: parts[1]})
	}
	return out
}

func run(ctx context.Context, nodeID string, peers []peerSpec, dataDir, adminAddr, raftAddr string, inMemory bool) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("node", nodeID).Logger()

	cfg := config.NewDefault(nodeID)
	cfg.AdminListenAddr = adminAddr
	cfg.RaftListenAddr = raftAddr
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("hyperraftd: invalid config: %w", err)
	}

	logStore, voteStore, deliveryStore, err := openStores(inMemory, dataDir)
	if err != nil {
		return fmt.Errorf("hyperraftd: opening stores: %w", err)
	}

	// NOTE: in a real multi-node deployment, keys are exchanged out of
	// band at provisioning time; generating and self-trusting a fresh
	// key here only supports a single-node smoke-test boot.
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	signer := raft.NewEd25519Signer(raft.NodeID(nodeID), priv, map[raft.NodeID]ed25519.PublicKey{raft.NodeID(nodeID): pub})

	clk := clock.NewReal()

	peerIDs := make([]raft.NodeID, 0, len(peers))
	addrs := make(map[raft.NodeID]string, len(peers))
	for _, p := range peers {
		peerIDs = append(peerIDs, p.id)
		addrs[p.id] = p.addr
	}
	client := transport.NewClient(addrs)
	defer client.Close()

	node, err := raft.New(raft.NodeID(nodeID), peerIDs, cfg, logStore, signer, clk, client, logger)
	if err != nil {
		return fmt.Errorf("hyperraftd: constructing raft node: %w", err)
	}

	bus := finality.New(voteStore, logger)
	if err := bus.ReplayUnacked(); err != nil {
		logger.Warn().Err(err).Msg("failed to replay unacknowledged finalizations")
	}

	projector, err := approval.New(voteStore, cfg.PendingVoteCacheSize, cfg.PendingVoteRetention, clk, logger, bus.Publish)
	if err != nil {
		return fmt.Errorf("hyperraftd: constructing approval projector: %w", err)
	}

	queue := delivery.NewQueue(deliveryStore, cfg.DeliveryPartitions)
	pool := delivery.NewPool(queue, emptyWebhookRegistry{}, clk, cfg, logger)

	registry := prometheus.NewRegistry()
	admin := adminapi.New(node, projector, queue, []adminapi.Checkable{nodeHealthCheck{node}}, registry, clk, logger)

	grpcServer := grpclib.NewServer()
	transport.NewServer(node).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.RaftListenAddr)
	if err != nil {
		return fmt.Errorf("hyperraftd: listening on %s: %w", cfg.RaftListenAddr, err)
	}

	httpServer := &http.Server{Addr: cfg.AdminListenAddr, Handler: admin.Engine()}

	node.Start()
	applier := newApplyLoop(node, projector, logger)
	applier.start()

	poolCtx, cancelPool := context.WithCancel(ctx)
	pool.Start(poolCtx)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("raft transport server exited")
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin http server exited")
		}
	}()

	logger.Info().Str("raftAddr", cfg.RaftListenAddr).Str("adminAddr", cfg.AdminListenAddr).Msg("hyperraftd started")

	waitForShutdown(ctx)

	logger.Info().Msg("shutting down")
	cancelPool()
	pool.Stop()
	applier.stop()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	node.Stop()
	return nil
}

func waitForShutdown(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}

func openStores(inMemory bool, dataDir string) (storage.LogStore, storage.VoteStore, storage.DeliveryStore, error) {
	if inMemory {
		return memstore.NewLogStore(), memstore.NewVoteStore(), memstore.NewDeliveryStore(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	ls, err := leveldb.NewLogStore(dataDir + "/log")
	if err != nil {
		return nil, nil, nil, err
	}
	vs, err := leveldb.NewVoteStore(dataDir + "/votes")
	if err != nil {
		return nil, nil, nil, err
	}
	ds, err := leveldb.NewDeliveryStore(dataDir + "/delivery")
	if err != nil {
		return nil, nil, nil, err
	}
	return ls, vs, ds, nil
}

// applyLoop feeds committed log entries from the raft node into the
// approval state projector, the missing link between the Log
// Replicator and the State Projector named in SPEC_FULL.md §6.2-§6.3.
type applyLoop struct {
	node      *raft.Node
	projector *approval.Projector
	logger    zerolog.Logger
	unsub     func()
	wg        sync.WaitGroup
}

func newApplyLoop(node *raft.Node, projector *approval.Projector, logger zerolog.Logger) *applyLoop {
	return &applyLoop{node: node, projector: projector, logger: logger.With().Str("component", "applyLoop").Logger()}
}

func (a *applyLoop) start() {
	events, unsub := a.node.Subscribe(1)
	a.unsub = unsub
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range events {
			if !ev.Committed {
				continue
			}
			if err := a.projector.Apply(ev.Entry); err != nil {
				a.logger.Warn().Err(err).Uint64("index", ev.Index).Msg("failed to apply committed entry")
			}
		}
	}()
}

func (a *applyLoop) stop() {
	if a.unsub != nil {
		a.unsub()
	}
	a.wg.Wait()
}

// emptyWebhookRegistry is the webhook lookup used until an operator
// configures real webhook endpoints (SPEC_FULL.md leaves webhook
// registration to a future admin endpoint). Every lookup fails, and the
// worker treats a failed lookup as retryable, so each delivery is
// requeued with backoff until it reaches MaxAttempts and is then
// dead-lettered.
type emptyWebhookRegistry struct{}

func (emptyWebhookRegistry) Webhook(webhookID string) (delivery.Webhook, error) {
	return delivery.Webhook{}, fmt.Errorf("hyperraftd: no webhook registered for %q", webhookID)
}

type nodeHealthCheck struct{ node *raft.Node }

func (nodeHealthCheck) Name() string { return "raft" }
func (h nodeHealthCheck) HealthCheck() error {
	if h.node.Role() == raft.Follower && h.node.CommitIndex() == 0 {
		return fmt.Errorf("no committed entries yet")
	}
	return nil
}
