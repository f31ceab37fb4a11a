// Package httptransport implements transport.Transport over plain
// HTTP: each rank runs a chi server accepting point-to-point
// deliveries and a retrying HTTP client sending them, the same split
// the teacher uses for its Raft inter-node transport. A collective call
// is a fixed number of point-to-point deliveries tagged with a kind and
// a monotonically increasing epoch; every rank computes the collective
// result itself once it holds every expected contribution, so there is
// no coordinator and no second round trip.
package httptransport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"distkeyindex/pkg/clock"
	"distkeyindex/pkg/listener"
)

// callKey identifies one in-flight collective call: its kind
// ("bcast", "reduce", "gather", "a2a") and the epoch that distinguishes
// it from every other call of the same kind.
type callKey struct {
	kind  string
	epoch uint64
}

// collectorWant returns how many distinct ranks must contribute before
// a collective call of this kind is complete. Broadcast is the only
// asymmetric collective — only root ever contributes — so it alone
// wants 1; every other kind wants every rank. Both the initiating side
// (Broadcast/AllReduceSum/AllGather/AllToAll) and the inbound HTTP
// handler must derive a collector's want from kind alone, never from
// which side happens to create it first: collectorFor only honors want
// on first creation of a callKey, so disagreement between the two
// sides about want is a deadlock, not a mismatch error.
func collectorWant(kind string, size int) int {
	if kind == "bcast" {
		return 1
	}
	return size
}

// Transport implements transport.Transport by exchanging envelopes
// over HTTP between a fixed set of ranks known by address up front.
type Transport struct {
	rank       int
	size       int
	listenAddr string
	peers      []string // peers[r] is rank r's base URL, e.g. "http://10.0.0.2:9000"

	httpServer *http.Server
	httpClient *http.Client

	epoch  *clock.AtomicClock
	outbox chan outboundMsg
	sender *listener.Listener[outboundMsg]

	mu         sync.Mutex
	collectors map[callKey]*collector
}

// New returns a Transport for rank among peers, where peers[rank] is
// this process's own listen address and peers must be identical and
// identically ordered across every rank.
func New(rank int, peers []string) *Transport {
	t := &Transport{
		rank:       rank,
		size:       len(peers),
		listenAddr: addrToListen(peers[rank]),
		peers:      peers,
		httpClient: &http.Client{Timeout: sendTimeout},
		epoch:      clock.NewAtomic(0),
		outbox:     make(chan outboundMsg, 4*len(peers)+16),
		collectors: make(map[callKey]*collector),
	}
	t.sender = listener.New(t.outbox, func(msg outboundMsg) error {
		return t.send(msg)
	})
	return t
}

// addrToListen strips the scheme/host from a peer's advertised URL so
// the local server binds just the port, letting the advertised address
// differ from the bind address (NAT, containers).
func addrToListen(peerURL string) string {
	for i := len(peerURL) - 1; i >= 0; i-- {
		if peerURL[i] == ':' {
			return peerURL[i:]
		}
	}
	return peerURL
}

// Start launches the HTTP server and the outbound send loop.
func (t *Transport) Start(ctx context.Context) {
	t.startHTTPServer()
	t.sender.Start(ctx)
}

// Close stops the send loop and shuts the HTTP server down.
func (t *Transport) Close() error {
	t.sender.Stop()
	if t.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.httpServer.Shutdown(ctx)
}

func (t *Transport) Rank() int { return t.rank }
func (t *Transport) Size() int { return t.size }

func (t *Transport) collectorFor(key callKey, want int) *collector {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.collectors[key]
	if !ok {
		c = newCollector(want)
		t.collectors[key] = c
	}
	return c
}

func (t *Transport) forgetCollector(key callKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.collectors, key)
}

func (t *Transport) waitCollector(ctx context.Context, c *collector) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	epoch := t.epoch.Next()
	key := callKey{kind: "bcast", epoch: epoch}
	c := t.collectorFor(key, collectorWant(key.kind, t.size))
	defer t.forgetCollector(key)

	if t.rank == root {
		c.put(root, false, buf)
		for p := 0; p < t.size; p++ {
			if p == root {
				continue
			}
			t.enqueue(outboundMsg{to: p, kind: key.kind, epoch: epoch, fromRank: root, payload: buf})
		}
	}

	if err := t.waitCollector(ctx, c); err != nil {
		return nil, fmt.Errorf("broadcast epoch %d: %w", epoch, err)
	}
	v, _ := c.received.Load(root)
	return append([]byte(nil), v...), nil
}

func (t *Transport) AllReduceSum(ctx context.Context, vec []uint64) ([]uint64, error) {
	epoch := t.epoch.Next()
	key := callKey{kind: "reduce", epoch: epoch}
	c := t.collectorFor(key, collectorWant(key.kind, t.size))
	defer t.forgetCollector(key)

	payload := encodeUint64s(vec)
	c.put(t.rank, false, payload)
	for p := 0; p < t.size; p++ {
		if p == t.rank {
			continue
		}
		t.enqueue(outboundMsg{to: p, kind: key.kind, epoch: epoch, fromRank: t.rank, payload: payload})
	}

	if err := t.waitCollector(ctx, c); err != nil {
		return nil, fmt.Errorf("all_reduce_sum epoch %d: %w", epoch, err)
	}

	width := 0
	contributions := make([][]uint64, t.size)
	for r := 0; r < t.size; r++ {
		raw, _ := c.received.Load(r)
		v := decodeUint64s(raw)
		contributions[r] = v
		if len(v) > width {
			width = len(v)
		}
	}
	sum := make([]uint64, width)
	for _, v := range contributions {
		for i, x := range v {
			sum[i] += x
		}
	}
	return sum, nil
}

func (t *Transport) AllGather(ctx context.Context, vec []uint64) ([]uint64, error) {
	epoch := t.epoch.Next()
	key := callKey{kind: "gather", epoch: epoch}
	c := t.collectorFor(key, collectorWant(key.kind, t.size))
	defer t.forgetCollector(key)

	payload := encodeUint64s(vec)
	c.put(t.rank, false, payload)
	for p := 0; p < t.size; p++ {
		if p == t.rank {
			continue
		}
		t.enqueue(outboundMsg{to: p, kind: key.kind, epoch: epoch, fromRank: t.rank, payload: payload})
	}

	if err := t.waitCollector(ctx, c); err != nil {
		return nil, fmt.Errorf("all_gather epoch %d: %w", epoch, err)
	}

	out := make([]uint64, 0, len(vec)*t.size)
	for r := 0; r < t.size; r++ {
		raw, _ := c.received.Load(r)
		out = append(out, decodeUint64s(raw)...)
	}
	return out, nil
}

func (t *Transport) AllToAll(ctx context.Context, localBad bool, send [][]byte) (recv [][]byte, anyBad bool, err error) {
	if len(send) != t.size {
		return nil, false, fmt.Errorf("httptransport: send has %d entries, want %d", len(send), t.size)
	}

	epoch := t.epoch.Next()
	key := callKey{kind: "a2a", epoch: epoch}
	c := t.collectorFor(key, collectorWant(key.kind, t.size))
	defer t.forgetCollector(key)

	c.put(t.rank, localBad, send[t.rank])
	for p := 0; p < t.size; p++ {
		if p == t.rank {
			continue
		}
		t.enqueue(outboundMsg{to: p, kind: key.kind, epoch: epoch, fromRank: t.rank, localBad: localBad, payload: send[p]})
	}

	if err := t.waitCollector(ctx, c); err != nil {
		return nil, false, fmt.Errorf("all_to_all epoch %d: %w", epoch, err)
	}

	recv = make([][]byte, t.size)
	for r := 0; r < t.size; r++ {
		v, _ := c.received.Load(r)
		recv[r] = v
	}
	return recv, c.anyBad(), nil
}
