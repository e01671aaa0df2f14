// Package output implements the output gate for distributed training: user-visible printing
// restricted to the leader process (rank 0), with an override to force emission, and a
// deduplicating warning sink that surfaces each warning category at most once per process.
//
// In a distributed job every process runs the same program, so without gating each message
// would be printed once per process. The convention is that the leader speaks for the job;
// the force variants exist for the rare per-process messages (e.g. reporting a local failure).
//
// Most code uses the package-level functions, which delegate to a process-wide default Gate
// installed by Install once the process's role is known. A Gate can also be created directly
// and injected, which is how tests exercise suppression deterministically.
package output

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

// Gate decides whether user-visible output is emitted, based on whether this process is the
// leader of its group. The decision is fixed at construction; the leader flag is never
// re-derived, so build the Gate only after the process role is known.
type Gate struct {
	leader bool
	writer io.Writer

	warnStyle lipgloss.Style
	styled    bool

	muWarned sync.Mutex
	warned   map[string]bool
}

// NewGate creates a Gate that emits to os.Stdout when isLeader is true and suppresses
// otherwise.
func NewGate(isLeader bool) *Gate {
	return newGate(isLeader, os.Stdout)
}

func newGate(isLeader bool, writer io.Writer) *Gate {
	g := &Gate{
		leader: isLeader,
		writer: writer,
		warned: make(map[string]bool),
	}
	if f, ok := writer.(*os.File); ok && termenv.NewOutput(f).Profile != termenv.Ascii {
		g.styled = true
		g.warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	}
	return g
}

// WithWriter redirects the Gate's emission to the given writer. It returns the Gate to
// allow chaining with NewGate.
func (g *Gate) WithWriter(writer io.Writer) *Gate {
	g.writer = writer
	g.styled = false
	return g
}

// IsLeader reports the leader flag the Gate was built with.
func (g *Gate) IsLeader() bool { return g.leader }

// ShouldEmit reports whether a message with the given force flag would be emitted.
func (g *Gate) ShouldEmit(force bool) bool {
	return force || g.leader
}

// Printf emits the formatted message if this process is the leader, and discards it
// otherwise.
func (g *Gate) Printf(format string, args ...any) {
	g.printf(false, format, args...)
}

// ForcePrintf emits the formatted message unconditionally, regardless of the leader flag.
func (g *Gate) ForcePrintf(format string, args ...any) {
	g.printf(true, format, args...)
}

func (g *Gate) printf(force bool, format string, args ...any) {
	if !g.ShouldEmit(force) {
		return
	}
	_, _ = fmt.Fprintf(g.writer, format, args...)
}

// Warnf emits a warning if this process is the leader. Each category is surfaced at most
// once per process: repeats are discarded whatever their origin -- the category, not the
// formatted text, is the deduplication key.
func (g *Gate) Warnf(category, format string, args ...any) {
	g.warnf(false, category, format, args...)
}

// ForceWarnf emits a warning regardless of the leader flag. The once-per-category rule
// still applies.
func (g *Gate) ForceWarnf(category, format string, args ...any) {
	g.warnf(true, category, format, args...)
}

func (g *Gate) warnf(force bool, category, format string, args ...any) {
	if !g.ShouldEmit(force) {
		return
	}
	g.muWarned.Lock()
	seen := g.warned[category]
	g.warned[category] = true
	g.muWarned.Unlock()
	if seen {
		return
	}
	msg := fmt.Sprintf("Warning: "+format, args...)
	if g.styled {
		msg = g.warnStyle.Render(msg)
	}
	_, _ = fmt.Fprintln(g.writer, msg)
}

var (
	muDefault   sync.Mutex
	defaultGate = NewGate(true) // Until Install, nothing is suppressed.
)

// Install sets the process-wide default Gate used by the package-level functions. Call it
// exactly once, after the process's role in the group is determined -- distributed.Init does
// this for you. It is never torn down; the gate remains in effect for the life of the
// process.
func Install(isLeader bool) {
	muDefault.Lock()
	defaultGate = NewGate(isLeader)
	muDefault.Unlock()
	klog.V(1).Infof("output gate installed: leader=%v", isLeader)
}

// Default returns the process-wide default Gate.
func Default() *Gate {
	muDefault.Lock()
	defer muDefault.Unlock()
	return defaultGate
}

// Printf emits through the default Gate: only the leader prints.
func Printf(format string, args ...any) {
	Default().Printf(format, args...)
}

// ForcePrintf emits through the default Gate, bypassing leader suppression.
func ForcePrintf(format string, args ...any) {
	Default().ForcePrintf(format, args...)
}

// Warnf emits a once-per-category warning through the default Gate: only the leader prints.
func Warnf(category, format string, args ...any) {
	Default().Warnf(category, format, args...)
}

// ForceWarnf emits a once-per-category warning through the default Gate, bypassing leader
// suppression.
func ForceWarnf(category, format string, args ...any) {
	Default().ForceWarnf(category, format, args...)
}
