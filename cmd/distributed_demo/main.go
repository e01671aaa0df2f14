// Demo of distributed coordination on a single machine: it spins a group of in-process
// workers that simulate a data-parallel training loop, averaging a fake gradient with
// all-reduce at every step. Only the leader (rank 0) prints progress; pass -v=1 to see the
// per-member log lines.
package main

import (
	"flag"
	"fmt"
	"sync"

	"github.com/gomlx/distributed/comms"
	"github.com/gomlx/distributed/comms/local"
	"github.com/gomlx/distributed/output"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagWorldSize = flag.Int("world_size", 4, "Number of workers in the group.")
	flagNumSteps  = flag.Int("steps", 100, "Number of simulated training steps.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	group := local.NewGroup(*flagWorldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < *flagWorldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			worker(rank, group)
		}(rank)
	}
	wg.Wait()
}

// worker simulates one data-parallel training member: every step it produces a gradient
// that depends on its rank and averages it across the group.
func worker(rank int, group *local.Group) {
	comm := must.M1(group.Join(rank))
	defer func() { _ = comm.Close() }()

	gate := output.NewGate(comm.Rank() == 0)
	gate.Printf("Starting group of %d workers, leader speaking.\n", comm.WorldSize())
	pBar := gate.NewProgressBar(*flagNumSteps, "Training: ")
	for step := 0; step < *flagNumSteps; step++ {
		gradient := []float64{float64(rank), float64(step)}
		must.M(comm.AllReduce(gradient, comms.ReduceSum))
		for ii := range gradient {
			gradient[ii] /= float64(comm.WorldSize())
		}
		pBar.Add(1)
	}
	pBar.Finish()
	must.M(comm.Barrier())
	gate.Printf("\nDone: %s.\n", fmt.Sprintf("%d workers x %d steps", comm.WorldSize(), *flagNumSteps))
}
