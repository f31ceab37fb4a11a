package localtransport

import (
	"context"
	"sync"
	"testing"
)

func TestBroadcastReachesEveryRank(t *testing.T) {
	const size = 3
	g := NewGroup(size)
	results := make([][]byte, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(r int) {
			defer wg.Done()
			buf, err := g.Rank(r).Broadcast(context.Background(), []byte("hello"), 1)
			if err != nil {
				t.Errorf("rank %d: Broadcast: %v", r, err)
				return
			}
			results[r] = buf
		}(r)
	}
	wg.Wait()
	for r, got := range results {
		if string(got) != "hello" {
			t.Fatalf("rank %d: got %q, want %q", r, got, "hello")
		}
	}
}

func TestAllReduceSumAndAllGather(t *testing.T) {
	const size = 3
	g := NewGroup(size)
	sums := make([][]uint64, size)
	gathers := make([][]uint64, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(r int) {
			defer wg.Done()
			sum, err := g.Rank(r).AllReduceSum(context.Background(), []uint64{uint64(r), 1})
			if err != nil {
				t.Errorf("rank %d: AllReduceSum: %v", r, err)
				return
			}
			sums[r] = sum

			gathered, err := g.Rank(r).AllGather(context.Background(), []uint64{uint64(r)})
			if err != nil {
				t.Errorf("rank %d: AllGather: %v", r, err)
				return
			}
			gathers[r] = gathered
		}(r)
	}
	wg.Wait()

	for r, sum := range sums {
		if sum[0] != 0+1+2 || sum[1] != 3 {
			t.Fatalf("rank %d: AllReduceSum = %v, want [3 3]", r, sum)
		}
	}
	want := []uint64{0, 1, 2}
	for r, got := range gathers {
		if len(got) != len(want) {
			t.Fatalf("rank %d: AllGather = %v, want %v", r, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("rank %d: AllGather = %v, want %v", r, got, want)
			}
		}
	}
}

func TestAllToAllRoutesPerDestinationAndMergesBad(t *testing.T) {
	const size = 3
	g := NewGroup(size)
	recvs := make([][][]byte, size)
	badFlags := make([]bool, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(r int) {
			defer wg.Done()
			send := make([][]byte, size)
			for p := 0; p < size; p++ {
				send[p] = []byte{byte(r), byte(p)}
			}
			localBad := r == 1
			recv, anyBad, err := g.Rank(r).AllToAll(context.Background(), localBad, send)
			if err != nil {
				t.Errorf("rank %d: AllToAll: %v", r, err)
				return
			}
			recvs[r] = recv
			badFlags[r] = anyBad
		}(r)
	}
	wg.Wait()

	for dest := 0; dest < size; dest++ {
		for sender := 0; sender < size; sender++ {
			got := recvs[dest][sender]
			want := []byte{byte(sender), byte(dest)}
			if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
				t.Fatalf("dest %d from sender %d: got %v, want %v", dest, sender, got, want)
			}
		}
		if !badFlags[dest] {
			t.Fatalf("dest %d: expected anyBad true (rank 1 flagged local bad)", dest)
		}
	}
}
