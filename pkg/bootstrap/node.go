// Package bootstrap agrees on the group's construction-time span list
// using a single-shot Raft group: rank 0 proposes the span list once,
// every rank applies the same committed entry, and Wait returns the
// identical, replicated result everywhere. It is adapted from a raft
// integration built for ongoing key/value replication — here only the
// first committed command entry is applied.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"distkeyindex/pkg/config"
	"distkeyindex/pkg/keytype"
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node runs the bootstrap raft group for one rank.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	ctx  context.Context
	stop context.CancelFunc

	resultMu sync.Mutex
	result   []keytype.Span
	ready    chan struct{}
	readyClosed bool
}

// NewNode builds a bootstrap raft node for cfg. It does not start
// ticking or serving until Run is called.
func NewNode(cfg *config.RaftConfig) (*Node, error) {
	raftCfg := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	raftCfg.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(raftCfg, raftPeers),
		jr:           storage,
		tickInterval: 100 * time.Millisecond,
		transport:    NewTransport(peers),
		ctx:          ctx,
		stop:         cancel,
		ready:        make(chan struct{}),
	}, nil
}

// Run drives the raft event loop until ctx is canceled or Stop is
// called. Callers typically run this in its own goroutine.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	n.resultMu.Lock()
	defer n.resultMu.Unlock()
	if n.readyClosed {
		// The group only ever commits one entry; ignore anything else
		// that somehow lands here rather than corrupt the settled result.
		return nil
	}
	n.result = cmd.Spans
	n.readyClosed = true
	close(n.ready)
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("bootstrap: added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("bootstrap: removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("bootstrap: updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}
		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send bootstrap raft message",
					"from", m.From, "to", m.To, "type", m.Type, "error", err)
			}
		}(msg)
	}
}

// Propose commits spans as the group's span list. Only the rank acting
// as bootstrap leader (conventionally rank 0 / raft ID 1) should call
// this; other ranks just Wait.
func (n *Node) Propose(ctx context.Context, spans []keytype.Span) error {
	data, err := json.Marshal(NewCmd(spans))
	if err != nil {
		return fmt.Errorf("marshal bootstrap command: %w", err)
	}
	return n.underlying.Propose(ctx, data)
}

// Wait blocks until the group's span list has committed and returns
// it. Every rank, including the proposer, must call this to learn the
// authoritative result.
func (n *Node) Wait(ctx context.Context) ([]keytype.Span, error) {
	select {
	case <-n.ready:
		n.resultMu.Lock()
		defer n.resultMu.Unlock()
		return n.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

// Handle applies an inbound raft message from a peer.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	n.underlying.Stop()
	n.stop()
	return nil
}
