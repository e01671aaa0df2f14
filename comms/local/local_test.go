package local

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/distributed/comms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spinGroup runs fn concurrently for every rank of a fresh group and waits for all of them.
// Errors from any member fail the test.
func spinGroup(t *testing.T, worldSize int, fn func(comm comms.Communicator) error) {
	t.Helper()
	initMethod := fmt.Sprintf("tcp://localhost:%d-%s", worldSize, t.Name())
	var wg sync.WaitGroup
	errs := make([]error, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comm, err := New(comms.Config{Rank: rank, WorldSize: worldSize, InitMethod: initMethod}, "")
			if err != nil {
				errs[rank] = err
				return
			}
			defer func() { _ = comm.Close() }()
			errs[rank] = fn(comm)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "member with rank %d failed", rank)
	}
}

func TestRankAndWorldSize(t *testing.T) {
	seen := make([]bool, 3)
	var mu sync.Mutex
	spinGroup(t, 3, func(comm comms.Communicator) error {
		if comm.WorldSize() != 3 {
			return fmt.Errorf("world size %d, want 3", comm.WorldSize())
		}
		mu.Lock()
		seen[comm.Rank()] = true
		mu.Unlock()
		return nil
	})
	for rank, ok := range seen {
		assert.Truef(t, ok, "no member reported rank %d", rank)
	}
}

func TestBarrier(t *testing.T) {
	// Phase 1 writes must all be visible after the barrier, on every member.
	const worldSize = 4
	arrived := make([]bool, worldSize)
	var mu sync.Mutex
	spinGroup(t, worldSize, func(comm comms.Communicator) error {
		mu.Lock()
		arrived[comm.Rank()] = true
		mu.Unlock()
		if err := comm.Barrier(); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for rank, ok := range arrived {
			if !ok {
				return fmt.Errorf("rank %d not arrived after barrier", rank)
			}
		}
		return nil
	})
}

func TestAllReduce(t *testing.T) {
	testCases := []struct {
		op   comms.ReduceOp
		want []float64
	}{
		{comms.ReduceSum, []float64{0 + 1 + 2, 10 + 11 + 12}},
		{comms.ReduceProd, []float64{0, 10 * 11 * 12}},
		{comms.ReduceMax, []float64{2, 12}},
		{comms.ReduceMin, []float64{0, 10}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.op.String(), func(t *testing.T) {
			results := make([][]float64, 3)
			spinGroup(t, 3, func(comm comms.Communicator) error {
				data := []float64{float64(comm.Rank()), float64(10 + comm.Rank())}
				if err := comm.AllReduce(data, testCase.op); err != nil {
					return err
				}
				results[comm.Rank()] = data
				return nil
			})
			for rank, result := range results {
				assert.Equalf(t, testCase.want, result, "result for rank %d", rank)
			}
		})
	}
}

func TestAllReduceSequentialRounds(t *testing.T) {
	// Rounds must not bleed into each other when reusing the same group.
	spinGroup(t, 2, func(comm comms.Communicator) error {
		for round := 0; round < 10; round++ {
			data := []float64{float64(round)}
			if err := comm.AllReduce(data, comms.ReduceSum); err != nil {
				return err
			}
			if data[0] != float64(2*round) {
				return fmt.Errorf("round %d: got %v, want %v", round, data[0], 2*round)
			}
		}
		return nil
	})
}

func TestAllReduceLengthMismatch(t *testing.T) {
	g := NewGroup(2)
	comm0, err := g.Join(0)
	require.NoError(t, err)
	comm1, err := g.Join(1)
	require.NoError(t, err)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = comm0.AllReduce([]float64{1, 2}, comms.ReduceSum)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond) // Let rank 0 start the round.
		errs[1] = comm1.AllReduce([]float64{1}, comms.ReduceSum)
	}()
	wg.Wait()
	// The mismatch fails the round for every member.
	require.Error(t, errs[0])
	require.Error(t, errs[1])
}

func TestAllReduceUndefinedOp(t *testing.T) {
	g := NewGroup(1)
	comm, err := g.Join(0)
	require.NoError(t, err)
	require.Error(t, comm.AllReduce([]float64{1}, comms.ReduceUndefined))
}

func TestJoinValidation(t *testing.T) {
	g := NewGroup(2)
	_, err := g.Join(-1)
	require.Error(t, err)
	_, err = g.Join(2)
	require.Error(t, err)
	_, err = g.Join(0)
	require.NoError(t, err)
	_, err = g.Join(0)
	require.Error(t, err, "double join of the same rank must fail")
}

func TestNewValidation(t *testing.T) {
	_, err := New(comms.Config{Rank: 0, WorldSize: 0}, "")
	require.Error(t, err)
	// Mismatched world size against an existing rendezvous.
	_, err = New(comms.Config{Rank: 0, WorldSize: 2, InitMethod: "tcp://localhost:1234-mismatch"}, "")
	require.NoError(t, err)
	_, err = New(comms.Config{Rank: 1, WorldSize: 3, InitMethod: "tcp://localhost:1234-mismatch"}, "")
	require.Error(t, err)
}

func TestCloseReleasesRendezvous(t *testing.T) {
	initMethod := "tcp://localhost:5678-close"
	comm, err := New(comms.Config{Rank: 0, WorldSize: 1, InitMethod: initMethod}, "")
	require.NoError(t, err)
	require.NoError(t, comm.Close())
	require.NoError(t, comm.Close(), "Close is idempotent")
	// The rendezvous is free again, so the same rank can join a fresh group.
	comm, err = New(comms.Config{Rank: 0, WorldSize: 1, InitMethod: initMethod}, "")
	require.NoError(t, err)
	require.NoError(t, comm.Close())
}

func TestUseAfterClose(t *testing.T) {
	comm, err := New(comms.Config{Rank: 0, WorldSize: 1, InitMethod: "tcp://localhost:9-after-close"}, "")
	require.NoError(t, err)
	require.NoError(t, comm.Close())
	require.Error(t, comm.Barrier())
	require.Error(t, comm.AllReduce([]float64{1}, comms.ReduceSum))
}
