package pipeline

import (
	"errors"

	"go.uber.org/zap"

	"github.com/pombredanne/tpie"
	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Pipe collects the nodes of a pipeline while its factories run. Factories
// call add to register nodes into the phase under construction, setDriver
// to install the loop that moves the phase's items, and breakPhase when a
// buffering segment splits the pipeline.
//
// Construction proceeds from the sink toward the source, so the phase open
// at any moment is the earliest one built so far; breakPhase archives it
// and opens the next one upstream.
type Pipe struct {
	log    *zap.Logger
	memory int64

	closed []*phaseGroup
	open   *phaseGroup
}

type entry struct {
	node   Node
	info   *Info
	budget int64
}

type phaseGroup struct {
	entries []entry
	driver  func() error
}

func (p *Pipe) add(n Node, info *Info) {
	if info.MemoryFraction == 0 {
		info.MemoryFraction = 1.0
	}
	p.open.entries = append(p.open.entries, entry{node: n, info: info})
}

func (p *Pipe) setDriver(d func() error) {
	p.open.driver = d
}

func (p *Pipe) breakPhase() {
	p.closed = append(p.closed, p.open)
	p.open = &phaseGroup{}
}

// Logger returns the pipe's logger for nodes that report progress.
func (p *Pipe) Logger() *zap.Logger {
	return p.log
}

// name labels a phase after its highest-priority node.
func (g *phaseGroup) name() string {
	best := ""
	bestPriority := PriorityInsignificant - 1
	for _, e := range g.entries {
		if e.info.Name != "" && e.info.Priority > bestPriority {
			best = e.info.Name
			bestPriority = e.info.Priority
		}
	}
	return best
}

// PipeOption is a functional option for configuring a pipeline.
type PipeOption func(*Pipe)

// WithMemory sets the memory budget shared by the nodes of each phase.
// Defaults to tpie.DefaultMemory().
func WithMemory(bytes int64) PipeOption {
	return func(p *Pipe) {
		p.memory = bytes
	}
}

// WithLogger attaches a logger for phase and worker progress. Defaults to a
// no-op logger.
func WithLogger(l *zap.Logger) PipeOption {
	return func(p *Pipe) {
		p.log = l
	}
}

// Pipeline is an assembled, executable pipeline.
type Pipeline struct {
	pipe   *Pipe
	phases []*phaseGroup
	ran    bool
}

// New assembles a pipeline from a source, a transforming segment and a
// sink. Use Identity for a pipeline with no transformation.
func New[A, B any](src SourceFactory[A], mid Factory[A, B], sink SinkFactory[B], opts ...PipeOption) *Pipeline {
	p := &Pipe{log: zap.NewNop(), open: &phaseGroup{}}
	for _, opt := range opts {
		opt(p)
	}
	if p.memory <= 0 {
		p.memory = tpie.DefaultMemory()
	}

	dest := sink.Construct(p)
	up := mid.Construct(p, dest)
	src.Construct(p, up)

	// Phases were built from the sink backwards; execution order is the
	// reverse.
	groups := append(p.closed, p.open)
	phases := make([]*phaseGroup, len(groups))
	for i, g := range groups {
		phases[len(groups)-1-i] = g
	}
	return &Pipeline{pipe: p, phases: phases}
}

// Run executes the pipeline phase by phase: memory is assigned to every
// node up front, then each phase begins its nodes (downstream first),
// drives its items, and ends its nodes (upstream first). A pipeline runs
// once.
func (pl *Pipeline) Run() error {
	if pl.ran {
		return tpieerrors.ErrAlreadyRun
	}
	pl.ran = true

	for _, g := range pl.phases {
		pl.assignMemory(g)
	}

	for i, g := range pl.phases {
		if g.driver == nil {
			return tpieerrors.ErrNoSource
		}
		pl.pipe.log.Debug("phase start", zap.Int("phase", i), zap.String("name", g.name()))
		if err := pl.runPhase(g); err != nil {
			return err
		}
	}
	return nil
}

func (pl *Pipeline) runPhase(g *phaseGroup) error {
	// Begin downstream nodes first: a node's destination is ready before
	// items can reach it.
	for i := range g.entries {
		if err := g.entries[i].node.Begin(); err != nil {
			endEntries(g.entries[:i])
			return err
		}
	}

	if err := g.driver(); err != nil {
		_ = endEntries(g.entries)
		return err
	}

	return endEntries(g.entries)
}

// endEntries calls End in reverse registration order (upstream nodes
// first), so flushes propagate downstream before their consumers shut down.
// Every node is ended even when one fails.
func endEntries(entries []entry) error {
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		errs = append(errs, entries[i].node.End())
	}
	return errors.Join(errs...)
}

// assignMemory distributes the phase budget across nodes proportionally to
// their fractions, clamped to each node's declared bounds.
func (pl *Pipeline) assignMemory(g *phaseGroup) {
	var sum float64
	for _, e := range g.entries {
		sum += e.info.MemoryFraction
	}
	if sum == 0 {
		return
	}
	for i := range g.entries {
		e := &g.entries[i]
		b := int64(float64(pl.pipe.memory) * e.info.MemoryFraction / sum)
		if e.info.MinimumMemory > 0 && b < e.info.MinimumMemory {
			b = e.info.MinimumMemory
		}
		if e.info.MaximumMemory > 0 && b > e.info.MaximumMemory {
			b = e.info.MaximumMemory
		}
		e.budget = b
		if mu, ok := e.node.(memoryUser); ok {
			mu.SetMemory(b)
		}
	}
}
