// Package distributed implements the process-group setup and coordination conveniences for
// distributed training: rank and world-size bookkeeping, rendezvous environment variables,
// barrier synchronization and leader-gated output.
//
// It is a thin layer: the process-group lifecycle and the collective operations themselves
// belong to a communication backend (see package comms); this package only orchestrates it
// -- initialize once, verify the channel, install the output gate -- and answers queries
// about the current process's role.
//
// Typical usage:
//
//	import (
//		"github.com/gomlx/distributed"
//		"github.com/gomlx/distributed/comms"
//		_ "github.com/gomlx/distributed/comms/local"
//	)
//
//	rank, err := distributed.Init(comms.Config{
//		Rank: rank, WorldSize: worldSize, InitMethod: "tcp://10.0.0.1:29500"})
//
// After Init only the leader process (rank 0) emits through output.Printf and friends.
package distributed

import (
	"os"
	"strings"
	"sync"

	"github.com/gomlx/distributed/comms"
	"github.com/gomlx/distributed/output"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables with the leader's address and port, set by ParseLeaderEnv and
// consumed by communication backends for rendezvous.
const (
	MasterAddrEnv = "MASTER_ADDR"
	MasterPortEnv = "MASTER_PORT"
)

var (
	muCurrent sync.Mutex
	current   comms.Communicator
)

// ParseLeaderEnv parses the leader's address and port from the init method and sets them as
// the MASTER_ADDR and MASTER_PORT environment variables.
//
// The init method must be of the form "<scheme>://<host>:<port>", e.g. "tcp://10.0.0.1:29500".
// On a malformed init method it returns an error before any environment mutation.
func ParseLeaderEnv(initMethod string) error {
	parts := strings.Split(initMethod, "//")
	if len(parts) != 2 {
		return errors.Errorf("init method %q should be split by \"//\" into exactly two elements", initMethod)
	}
	hostPort := strings.Split(parts[1], ":")
	if len(hostPort) != 2 {
		return errors.Errorf("init method %q should be of the form <scheme>://<host>:<port>", initMethod)
	}
	if err := os.Setenv(MasterAddrEnv, hostPort[0]); err != nil {
		return errors.Wrapf(err, "failed to set %s", MasterAddrEnv)
	}
	if err := os.Setenv(MasterPortEnv, hostPort[1]); err != nil {
		return errors.Wrapf(err, "failed to set %s", MasterPortEnv)
	}
	return nil
}

// Init initializes the distributed environment for this process and returns its rank.
//
// It validates the init method and exports the leader's address and port, builds the
// communicator described by cfg, runs a one-element all-reduce to verify the communication
// channel, and installs the output gate so that only the leader prints from here on.
//
// Calling Init on an already-initialized process is non-fatal: it warns once and returns
// the current rank without touching the backend. Any failure is logged with its cause and
// returned to the caller; no retry is attempted.
func Init(cfg comms.Config) (rank int, err error) {
	muCurrent.Lock()
	defer muCurrent.Unlock()
	if current != nil {
		output.Warnf("distributed-reinit", "distributed is already initialized, cannot initialize twice!")
		return current.Rank(), nil
	}

	klog.Infof("Distributed Init (Rank %d): %s", cfg.Rank, cfg.InitMethod)
	if err = ParseLeaderEnv(cfg.InitMethod); err != nil {
		klog.Errorf("Failed to initialize distributed training: %+v", err)
		return 0, err
	}
	var comm comms.Communicator
	comm, err = comms.New(cfg)
	if err != nil {
		klog.Errorf("Failed to initialize distributed training: %+v", err)
		return 0, err
	}

	// Dummy all-reduce to verify the communication channel.
	if err = comm.AllReduce([]float64{0}, comms.ReduceSum); err != nil {
		_ = comm.Close()
		klog.Errorf("Failed to initialize distributed training: %+v", err)
		return 0, err
	}

	output.Install(comm.Rank() == 0)
	current = comm
	return comm.Rank(), nil
}

// IsInitialized reports whether Init has completed successfully on this process.
func IsInitialized() bool {
	muCurrent.Lock()
	defer muCurrent.Unlock()
	return current != nil
}

// Rank returns the rank of the current process in the group, or 0 if distributed is not
// initialized. It is recomputed from the communicator on every call, never cached.
func Rank() int {
	muCurrent.Lock()
	defer muCurrent.Unlock()
	if current == nil {
		return 0
	}
	return current.Rank()
}

// WorldSize returns the number of processes in the group, or 1 if distributed is not
// initialized.
func WorldSize() int {
	muCurrent.Lock()
	defer muCurrent.Unlock()
	if current == nil {
		return 1
	}
	return current.WorldSize()
}

// IsLeader reports whether the current process is the leader (rank 0) of its group.
// An uninitialized process is its own leader.
func IsLeader() bool {
	return Rank() == 0
}

// Synchronize blocks until every process of the group reaches it. It is a no-op if
// distributed is not initialized.
func Synchronize() error {
	muCurrent.Lock()
	comm := current
	muCurrent.Unlock()
	if comm == nil {
		return nil
	}
	return comm.Barrier()
}

// AllReduce reduces data elementwise across all processes of the group, in-place.
func AllReduce(data []float64, op comms.ReduceOp) error {
	muCurrent.Lock()
	comm := current
	muCurrent.Unlock()
	if comm == nil {
		return errors.New("distributed is not initialized")
	}
	return comm.AllReduce(data, op)
}
