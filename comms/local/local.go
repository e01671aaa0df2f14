// Package local implements an in-process communication backend, where the members of the
// group are goroutines of the same OS process instead of separate processes.
//
// It is not a distributed backend: it exists to make distributed code runnable and testable
// on a single machine, deterministically, without any networking. Members rendezvous on the
// init-method address, so all goroutines of a job must use the same Config.InitMethod.
package local

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distributed/comms"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// BackendName to be used in GODIST_BACKEND or Config.Backend to specify this backend.
const BackendName = "local"

// Registers New() as the constructor for the "local" backend.
func init() {
	comms.Register(BackendName, New)
}

var (
	muGroups sync.Mutex
	groups   = make(map[string]*Group)
)

// New constructs a Communicator member of the in-process group rendezvoused at
// cfg.InitMethod, creating the group on first use. The backend config string is ignored.
func New(cfg comms.Config, _ string) (comms.Communicator, error) {
	if cfg.WorldSize <= 0 {
		return nil, errors.Errorf("local backend: world size must be positive, got %d", cfg.WorldSize)
	}
	muGroups.Lock()
	g, found := groups[cfg.InitMethod]
	if !found {
		g = NewGroup(cfg.WorldSize)
		groups[cfg.InitMethod] = g
	}
	muGroups.Unlock()
	if g.worldSize != cfg.WorldSize {
		return nil, errors.Errorf("local backend: group at %q has world size %d, but member asked for %d",
			cfg.InitMethod, g.worldSize, cfg.WorldSize)
	}
	return g.Join(cfg.Rank)
}

// Group is an in-process communication group. All members share the same Group, and each
// obtains its Communicator with Join.
type Group struct {
	id        string
	worldSize int

	mu   sync.Mutex
	cond *sync.Cond

	joined map[int]bool
	closed int

	// Barrier state: generation counter plus count of members arrived at the current one.
	barrierGen     int
	barrierArrived int

	// All-reduce round in flight, nil in between.
	round *reduceRound
}

// reduceRound accumulates one collective all-reduce. Members capture the pointer when they
// contribute, so the Group can start a fresh round as soon as this one completes.
type reduceRound struct {
	op    comms.ReduceOp
	acc   []float64
	count int
	done  bool
	err   error
}

// NewGroup creates an in-process group that expects worldSize members to Join.
func NewGroup(worldSize int) *Group {
	g := &Group{
		id:        uuid.NewString(),
		worldSize: worldSize,
		joined:    make(map[int]bool),
	}
	g.cond = sync.NewCond(&g.mu)
	klog.V(1).Infof("local comms: created group %s with world size %d", g.id, worldSize)
	return g
}

// Join returns the Communicator for the member with the given rank. Each rank can join at
// most once.
func (g *Group) Join(rank int) (comms.Communicator, error) {
	if rank < 0 || rank >= g.worldSize {
		return nil, errors.Errorf("local comms: rank %d out of range for world size %d", rank, g.worldSize)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joined[rank] {
		return nil, errors.Errorf("local comms: rank %d already joined group %s", rank, g.id)
	}
	g.joined[rank] = true
	return &member{group: g, rank: rank}, nil
}

// member implements comms.Communicator for one rank of a Group.
type member struct {
	group  *Group
	rank   int
	closed bool
}

// Compile-time check that local's member implements comms.Communicator.
var _ comms.Communicator = &member{}

// Rank returns the rank of this member in the group.
func (m *member) Rank() int { return m.rank }

// WorldSize returns the total number of members of the group.
func (m *member) WorldSize() int { return m.group.worldSize }

// Barrier blocks until every member of the group has reached it.
func (m *member) Barrier() error {
	if m.closed {
		return errors.Errorf("local comms: rank %d used after Close", m.rank)
	}
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	gen := g.barrierGen
	g.barrierArrived++
	if g.barrierArrived == g.worldSize {
		g.barrierArrived = 0
		g.barrierGen++
		g.cond.Broadcast()
		return nil
	}
	for g.barrierGen == gen {
		g.cond.Wait()
	}
	return nil
}

// AllReduce reduces data elementwise across all members and replaces data in-place with the
// result. All members must pass the same op and slices of the same length; a mismatch fails
// the round for every member.
func (m *member) AllReduce(data []float64, op comms.ReduceOp) error {
	if m.closed {
		return errors.Errorf("local comms: rank %d used after Close", m.rank)
	}
	if op == comms.ReduceUndefined {
		return errors.Errorf("local comms: undefined reduce op")
	}
	g := m.group
	g.mu.Lock()
	round := g.round
	if round == nil {
		round = &reduceRound{
			op:  op,
			acc: append([]float64(nil), data...),
		}
		g.round = round
		klog.V(2).Infof("local comms: group %s all-reduce %s of %s per member",
			g.id, op, humanize.Bytes(uint64(8*len(data))))
	} else {
		if round.err == nil && round.op != op {
			round.err = errors.Errorf("local comms: all-reduce op mismatch, group started %s, rank %d passed %s",
				round.op, m.rank, op)
		}
		if round.err == nil && len(round.acc) != len(data) {
			round.err = errors.Errorf("local comms: all-reduce length mismatch, group started %d, rank %d passed %d",
				len(round.acc), m.rank, len(data))
		}
		if round.err == nil {
			combine(round.acc, data, op)
		}
	}
	round.count++
	if round.count == g.worldSize {
		round.done = true
		g.round = nil // Next AllReduce starts a fresh round.
		g.cond.Broadcast()
	}
	for !round.done {
		g.cond.Wait()
	}
	err := round.err
	if err == nil {
		copy(data, round.acc)
	}
	g.mu.Unlock()
	return err
}

// Close leaves the group. Collective calls must not be used after Close; once every member
// has closed, the group is removed from the rendezvous registry.
func (m *member) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	g := m.group
	g.mu.Lock()
	g.closed++
	allClosed := g.closed == g.worldSize
	g.mu.Unlock()
	if allClosed {
		muGroups.Lock()
		for initMethod, group := range groups {
			if group == g {
				delete(groups, initMethod)
			}
		}
		muGroups.Unlock()
		klog.V(1).Infof("local comms: group %s fully closed", g.id)
	}
	return nil
}

// combine reduces contribution into acc elementwise, according to op.
func combine[T interface {
	constraints.Integer | constraints.Float
}](acc, contribution []T, op comms.ReduceOp) {
	for ii, value := range contribution {
		switch op {
		case comms.ReduceSum:
			acc[ii] += value
		case comms.ReduceProd:
			acc[ii] *= value
		case comms.ReduceMax:
			if value > acc[ii] {
				acc[ii] = value
			}
		case comms.ReduceMin:
			if value < acc[ii] {
				acc[ii] = value
			}
		}
	}
}
