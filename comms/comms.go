// Package comms defines the interface a communication backend needs to implement to be used
// for distributed training, along with a registry of named backends.
//
// A backend owns the process-group lifecycle and the collective operations (barrier,
// all-reduce) across all the processes of a training job. This package never implements any
// collective itself, it only dispatches to the registered backend -- the same way GoMLX
// dispatches computation to its registered accelerator backends.
//
// Backends register themselves during initialization of their package, so importing a
// backend package (e.g. github.com/gomlx/distributed/comms/local) is enough to make it
// available by name.
package comms

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// ReduceOp selects among the basic types of reduction supported by AllReduce.
type ReduceOp int

const (
	// ReduceUndefined is an undefined value.
	ReduceUndefined ReduceOp = iota

	// ReduceSum reduces by summing the corresponding element of every member.
	ReduceSum

	// ReduceProd reduces by multiplying the corresponding element of every member.
	ReduceProd

	// ReduceMax reduces by taking the maximum value.
	ReduceMax

	// ReduceMin reduces by taking the minimum value.
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "Sum"
	case ReduceProd:
		return "Prod"
	case ReduceMax:
		return "Max"
	case ReduceMin:
		return "Min"
	default:
		return "Undefined"
	}
}

// Communicator is the narrow API a communication backend needs to implement.
//
// All methods that involve peers are collective: every member of the group must invoke the
// same call for any of them to proceed, and the calling goroutine blocks until they do.
// Any timeout behavior is whatever the backend provides, none is imposed here.
//
// Any implementation satisfying the interface is substitutable, which allows deterministic
// unit tests without a real multi-process setup.
type Communicator interface {
	// Rank returns the rank of the calling process in the group, 0 <= Rank() < WorldSize().
	Rank() int

	// WorldSize returns the total number of members of the group.
	WorldSize() int

	// Barrier blocks until every member of the group has reached it.
	Barrier() error

	// AllReduce reduces data elementwise across all members and replaces data in-place with
	// the result, the same on every member. All members must pass slices of the same length.
	AllReduce(data []float64, op ReduceOp) error

	// Close leaves the group and releases the associated resources.
	Close() error
}

// Config is the initialization descriptor for a communicator.
type Config struct {
	// Rank of this process, 0-based. Rank 0 is the leader.
	Rank int

	// WorldSize is the total number of processes in the job.
	WorldSize int

	// InitMethod is the rendezvous address, of the form "scheme://host:port".
	InitMethod string

	// Backend names the registered communication backend, optionally followed by a
	// backend-specific configuration as "<name>:<config>". If empty, the GODIST_BACKEND
	// environment variable and then the first registered backend are used.
	Backend string
}

// Constructor takes the group configuration and a backend-specific config string
// (optionally empty) and returns a Communicator.
type Constructor func(cfg Config, backendConfig string) (Communicator, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend with the given name and constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// GODIST_BACKEND is the environment variable with the default backend configuration to use
// when Config.Backend is empty.
//
// The format is "<backend_name>:<backend_configuration>". The "<backend_name>" is the name
// of a registered backend (e.g.: "local") and "<backend_configuration>" is backend specific.
const GODIST_BACKEND = "GODIST_BACKEND"

// New creates the Communicator described by cfg.
//
// The backend is resolved from cfg.Backend, or the GODIST_BACKEND environment variable, or
// the first registered backend, in that order. It panics if no backend was registered or if
// the named backend is unknown -- those are programming errors, not runtime conditions.
func New(cfg Config) (Communicator, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered communication backends -- maybe import the local one with import _ "github.com/gomlx/distributed/comms/local"?`)
	}
	config := cfg.Backend
	if config == "" {
		config = os.Getenv(GODIST_BACKEND)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find communication backend %q for configuration %q given", backendName, config)
	}
	return constructor(cfg, backendConfig)
}
