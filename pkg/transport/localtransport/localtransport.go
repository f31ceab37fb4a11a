// Package localtransport implements transport.Transport by rendezvousing
// goroutines within a single process — one goroutine standing in for
// each rank. It exists so the index core (C4/C5/C6) can be exercised
// deterministically in tests without a real network, the same way the
// teacher's fakeStore/mockTransport test doubles stand in for
// iStoreAPI/iTransport.
//
// Each collective is a barrier: every rank's goroutine stages its
// contribution, the last arrival computes the shared result, and every
// rank reads its share before the barrier resets for the next call.
package localtransport

import (
	"context"
	"fmt"
	"sync"

	"distkeyindex/pkg/transport"
)

// Group is the shared rendezvous point for a fixed-size set of local
// ranks.
type Group struct {
	size int

	bcast  barrier
	reduce barrier
	gather barrier
	a2a    barrier

	bcastBuf  []byte
	bcastRoot int

	reduceIn  [][]uint64
	reduceOut []uint64

	gatherIn  [][]uint64
	gatherOut []uint64

	a2aSend   [][][]byte
	a2aBad    []bool
	a2aRecv   [][][]byte
	a2aAnyBad bool
}

// NewGroup returns a Group for size local ranks.
func NewGroup(size int) *Group {
	g := &Group{
		size:     size,
		reduceIn: make([][]uint64, size),
		gatherIn: make([][]uint64, size),
		a2aSend:  make([][][]byte, size),
		a2aBad:   make([]bool, size),
	}
	g.bcast.size = size
	g.reduce.size = size
	g.gather.size = size
	g.a2a.size = size
	return g
}

// Rank returns the transport.Transport for local rank r.
func (g *Group) Rank(r int) transport.Transport {
	return &localTransport{group: g, rank: r}
}

// barrier is a reusable rendezvous: size goroutines call enter with a
// stage function that registers their contribution under lock; the
// last arrival runs compute once before every goroutine is released.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	count   int
	gen     int
	compute func()
}

func (b *barrier) enter(stage func(), compute func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cond == nil {
		b.cond = sync.NewCond(&b.mu)
	}

	myGen := b.gen
	stage()
	b.count++

	if b.count == b.size {
		if compute != nil {
			compute()
		}
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}

	for b.gen == myGen {
		b.cond.Wait()
	}
}

type localTransport struct {
	group *Group
	rank  int
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return t.group.size }

func (t *localTransport) Broadcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	g := t.group
	g.bcast.enter(func() {
		if t.rank == root {
			g.bcastBuf = append([]byte(nil), buf...)
			g.bcastRoot = root
		}
	}, nil)
	return append([]byte(nil), g.bcastBuf...), nil
}

func (t *localTransport) AllReduceSum(ctx context.Context, vec []uint64) ([]uint64, error) {
	g := t.group
	g.reduce.enter(func() {
		g.reduceIn[t.rank] = vec
	}, func() {
		n := 0
		for _, v := range g.reduceIn {
			if len(v) > n {
				n = len(v)
			}
		}
		sum := make([]uint64, n)
		for _, v := range g.reduceIn {
			for i, x := range v {
				sum[i] += x
			}
		}
		g.reduceOut = sum
	})
	out := make([]uint64, len(g.reduceOut))
	copy(out, g.reduceOut)
	return out, nil
}

func (t *localTransport) AllGather(ctx context.Context, vec []uint64) ([]uint64, error) {
	g := t.group
	g.gather.enter(func() {
		g.gatherIn[t.rank] = vec
	}, func() {
		perRank := 0
		if len(g.gatherIn) > 0 {
			perRank = len(g.gatherIn[0])
		}
		out := make([]uint64, 0, perRank*g.size)
		for _, v := range g.gatherIn {
			out = append(out, v...)
		}
		g.gatherOut = out
	})
	out := make([]uint64, len(g.gatherOut))
	copy(out, g.gatherOut)
	return out, nil
}

func (t *localTransport) AllToAll(ctx context.Context, localBad bool, send [][]byte) (recv [][]byte, anyBad bool, err error) {
	if len(send) != t.group.size {
		return nil, false, fmt.Errorf("localtransport: send has %d entries, want %d", len(send), t.group.size)
	}

	g := t.group
	g.a2a.enter(func() {
		g.a2aSend[t.rank] = send
		g.a2aBad[t.rank] = localBad
	}, func() {
		recvBuf := make([][][]byte, g.size)
		for p := range recvBuf {
			recvBuf[p] = make([][]byte, g.size)
		}
		any := false
		for sender, perDest := range g.a2aSend {
			for dest, payload := range perDest {
				recvBuf[dest][sender] = payload
			}
			any = any || g.a2aBad[sender]
		}
		g.a2aRecv = recvBuf
		g.a2aAnyBad = any
	})

	return g.a2aRecv[t.rank], g.a2aAnyBad, nil
}
