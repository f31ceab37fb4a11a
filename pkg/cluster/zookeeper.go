// Package cluster resolves group membership and rank assignment for a
// distributed key index group through ZooKeeper ephemeral znodes: every
// process registers its own HTTP address under a shared path, and every
// process derives the SAME rank assignment by sorting the full
// membership list — no coordinator, no separate rank-allocation RPC.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKMembership registers this process in a group and resolves the
// group's current, sorted membership.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	local    string // this process's advertised address, used as its znode name
}

// NewZKMembership dials servers (e.g. []string{"zk1:2181", "zk2:2181"})
// and prepares a membership handle rooted at rootPath for the process
// advertising localAddr.
func NewZKMembership(servers []string, rootPath, localAddr string) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		local:    localAddr,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates this process's ephemeral znode. It disappears
// automatically if the process dies, so a crashed rank drops out of
// the membership list rather than leaving a stale slot.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.rootPath + "/nodes"); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/nodes/%s", m.rootPath, m.local)

	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered with membership group", "addr", m.local, "path", nodePath)
	return nil
}

// members reads the current, sorted list of registered addresses.
// Sorting is what makes rank assignment identical across every process
// resolving membership independently — spec invariant I3 requires every
// rank to agree on group-wide state without a coordinator.
func (m *ZKMembership) members() ([]string, error) {
	children, _, err := m.conn.Children(m.rootPath + "/nodes")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	sort.Strings(children)
	return children, nil
}

// AwaitGroup blocks until exactly want addresses are registered (or
// ctx is canceled), then returns that sorted membership and this
// process's rank within it.
func (m *ZKMembership) AwaitGroup(ctx context.Context, want int) (peers []string, rank int, err error) {
	for {
		children, _, ch, err := m.conn.ChildrenW(m.rootPath + "/nodes")
		if err != nil {
			return nil, 0, fmt.Errorf("zk watch children: %w", err)
		}
		sort.Strings(children)

		if len(children) == want {
			rank, err := m.rankOf(children)
			if err != nil {
				return nil, 0, err
			}
			return children, rank, nil
		}
		if len(children) > want {
			return nil, 0, fmt.Errorf("membership group at %q has %d members, want %d", m.rootPath, len(children), want)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

func (m *ZKMembership) rankOf(sortedMembers []string) (int, error) {
	for i, addr := range sortedMembers {
		if addr == m.local {
			return i, nil
		}
	}
	return 0, fmt.Errorf("local address %q not present in membership list", m.local)
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
