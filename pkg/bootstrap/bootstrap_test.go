package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"distkeyindex/pkg/config"
	"distkeyindex/pkg/keytype"
)

// inprocTransport routes raft messages directly between in-process
// Node instances, standing in for the HTTP Transport in a test that
// exercises the full commit path without a network.
type inprocTransport struct {
	nodesMu sync.RWMutex
	nodes   map[uint64]*Node
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{nodes: make(map[uint64]*Node)}
}

func (t *inprocTransport) register(id uint64, n *Node) {
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()
	t.nodes[id] = n
}

func (t *inprocTransport) Send(msg raftpb.Message) error {
	t.nodesMu.RLock()
	target, ok := t.nodes[msg.To]
	t.nodesMu.RUnlock()
	if !ok {
		return nil
	}
	go func() { _ = target.Handle(context.Background(), msg) }()
	return nil
}

func (t *inprocTransport) AddPeer(uint64, string)    {}
func (t *inprocTransport) RemovePeer(uint64)         {}
func (t *inprocTransport) UpdatePeer(uint64, string) {}

func TestBootstrapGroupConvergesOnSpans(t *testing.T) {
	const n = 3
	peers := make([]config.RaftPeerConfig, n)
	for i := range peers {
		peers[i] = config.RaftPeerConfig{ID: uint64(i + 1), Address: ""}
	}

	trans := newInprocTransport()
	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		cfg := &config.RaftConfig{
			ID:                        uint64(i + 1),
			Peers:                     peers,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
		}
		node, err := NewNode(cfg)
		if err != nil {
			t.Fatalf("NewNode(%d): %v", i, err)
		}
		node.transport = trans
		trans.register(uint64(i+1), node)
		nodes[i] = node
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, node := range nodes {
		go func(n *Node) { _ = n.Run(ctx) }(node)
	}

	want := []keytype.Span{{First: 0, Last: 10000}}

	deadline := time.After(5 * time.Second)
	var proposed bool
	for !proposed {
		for _, node := range nodes {
			if node.IsLeader() {
				pctx, pcancel := context.WithTimeout(context.Background(), time.Second)
				err := node.Propose(pctx, want)
				pcancel()
				if err == nil {
					proposed = true
				}
				break
			}
		}
		if proposed {
			break
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no leader elected before deadline")
		}
	}

	for i, node := range nodes {
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		got, err := node.Wait(wctx)
		wcancel()
		if err != nil {
			t.Fatalf("node %d Wait: %v", i, err)
		}
		if len(got) != len(want) || got[0] != want[0] {
			t.Fatalf("node %d got spans %v, want %v", i, got, want)
		}
	}
}
