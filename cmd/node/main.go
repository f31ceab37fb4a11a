// Command node runs one rank of a distributed sparse key index group:
// it joins ZooKeeper membership to learn its rank and peers, agrees on
// the group's span list through a one-shot bootstrap raft group, then
// serves the index's own collective transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-yaml"

	"distkeyindex/pkg/bootstrap"
	"distkeyindex/pkg/cluster"
	"distkeyindex/pkg/config"
	"distkeyindex/pkg/index"
	"distkeyindex/pkg/keytype"
	"distkeyindex/pkg/transport/httptransport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(os.Getenv("DISTKEYINDEX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	localAddr := cfg.Node.ListenAddr
	if env := os.Getenv("DISTKEYINDEX_NODE_ADDR"); env != "" {
		localAddr = env
	}

	membership, err := cluster.NewZKMembership(cfg.Zookeeper.Servers, cfg.Zookeeper.RootPath, localAddr)
	if err != nil {
		slog.Error("zookeeper connect failed", "error", err)
		os.Exit(1)
	}
	defer membership.Close()

	if err := membership.RegisterSelf(); err != nil {
		slog.Error("zookeeper registration failed", "error", err)
		os.Exit(1)
	}

	peers, rank, err := membership.AwaitGroup(ctx, len(cfg.Node.Peers))
	if err != nil {
		slog.Error("await membership group failed", "error", err)
		os.Exit(1)
	}
	slog.Info("membership resolved", "rank", rank, "peers", peers)

	spans, err := runBootstrap(ctx, &cfg.Raft, rank)
	if err != nil {
		slog.Error("bootstrap span agreement failed", "error", err)
		os.Exit(1)
	}
	slog.Info("span list agreed", "spans", spans)

	t := httptransport.New(rank, cfg.Node.Peers)
	t.Start(ctx)
	defer t.Close()

	idx, err := index.New(ctx, t, 0, spans)
	if err != nil {
		slog.Error("index construction failed", "error", err)
		os.Exit(1)
	}
	defer idx.Close(context.Background())

	slog.Info("index ready, serving collective transport", "addr", localAddr)
	runDemo(ctx, idx, rank, len(peers), len(spans))

	<-ctx.Done()
	slog.Info("shutting down")
}

// demoKeysPerSpan is how many fresh keys each rank requests from each
// agreed span during the startup demo sequence.
const demoKeysPerSpan = 4

// runDemo exercises the index's full external interface once, the way
// cmd/demo/main.go drives the teacher's store through its API end to
// end: generate_new_keys, then update_keys to claim the generated
// keys, then all three query forms. Every rank must reach this
// function — each call below except Query() is itself a collective — so a failure
// here logs and returns rather than exiting, letting the process keep
// serving collective transport for the rest of the group.
func runDemo(ctx context.Context, idx *index.Index, rank, size, spanCount int) {
	requests := make([]int, spanCount)
	for i := range requests {
		requests[i] = demoKeysPerSpan
	}

	slog.Info("demo: generate_new_keys", "rank", rank, "requests", requests)
	generated, err := idx.GenerateNewKeys(ctx, requests)
	if err != nil {
		slog.Error("demo: generate_new_keys failed", "rank", rank, "error", err)
		return
	}
	var mine []keytype.Key
	for _, span := range generated {
		mine = append(mine, span...)
	}
	slog.Info("demo: generate_new_keys done", "rank", rank, "keys", mine)

	slog.Info("demo: update_keys", "rank", rank, "add", mine)
	if err := idx.UpdateKeys(ctx, mine, nil); err != nil {
		slog.Error("demo: update_keys failed", "rank", rank, "error", err)
		return
	}

	local := idx.Query()
	slog.Info("demo: query()", "rank", rank, "local_key_usage", local)

	sharing, err := idx.QueryKeys(ctx, mine)
	if err != nil {
		slog.Error("demo: query_keys failed", "rank", rank, "error", err)
		return
	}
	slog.Info("demo: query_keys(own generated keys)", "rank", rank, "result", sharing)

	// Ask on behalf of the next rank in the group, so QueryRequest is
	// exercised with a target distinct from the caller's own rank.
	target := keytype.Rank((rank + 1) % size)
	request := make([]keytype.KeyProc, len(mine))
	for i, k := range mine {
		request[i] = keytype.KeyProc{Key: k, Rank: target}
	}
	answered, err := idx.QueryRequest(ctx, request)
	if err != nil {
		slog.Error("demo: query_request failed", "rank", rank, "error", err)
		return
	}
	slog.Info("demo: query_request(on behalf of next rank)", "rank", rank, "target", target, "result", answered)

	slog.Info("demo sequence complete", "rank", rank)
}

// loadConfig reads path as YAML, or returns config.Default() if path is
// empty or doesn't exist.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		slog.Info("no config path set, using default config")
		return config.Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return config.Config{}, err
	}

	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logger.Level)}
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runBootstrap drives the one-shot raft group that agrees on the span
// list: it runs a dedicated HTTP server for raft traffic, lets the
// group elect a leader, has rank 0 propose the span list, and
// returns once every rank has observed the committed result. The raft
// server is shut down before returning so the index's own collective
// transport can bind the same listen address.
func runBootstrap(ctx context.Context, cfg *config.RaftConfig, rank int) ([]keytype.Span, error) {
	node, err := bootstrap.NewNode(cfg)
	if err != nil {
		return nil, fmt.Errorf("new bootstrap node: %w", err)
	}

	r := chi.NewRouter()
	r.Post(bootstrap.Endpoint, bootstrap.Handler(node))
	addr := peerListenAddr(cfg, node.ID)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("bootstrap raft server error", "error", err)
		}
	}()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = node.Run(runCtx) }()

	if rank == 0 {
		go proposeWhenLeader(runCtx, node)
	}

	return node.Wait(ctx)
}

// proposeWhenLeader waits for this node to become bootstrap leader and
// proposes a span list holding the single full-range span. It checks
// every 50ms and retries until Propose succeeds or ctx is canceled.
func proposeWhenLeader(ctx context.Context, node *bootstrap.Node) {
	spans := []keytype.Span{keytype.FullRange()}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !node.IsLeader() {
				continue
			}
			pctx, pcancel := context.WithTimeout(ctx, time.Second)
			err := node.Propose(pctx, spans)
			pcancel()
			if err == nil {
				return
			}
			slog.Warn("span list proposal failed, retrying", "error", err)
		}
	}
}

func peerListenAddr(cfg *config.RaftConfig, id uint64) string {
	for _, p := range cfg.Peers {
		if p.ID == id {
			return addrToListen(p.Address)
		}
	}
	return ""
}

func addrToListen(peerURL string) string {
	for i := len(peerURL) - 1; i >= 0; i-- {
		if peerURL[i] == ':' {
			return peerURL[i:]
		}
	}
	return peerURL
}
