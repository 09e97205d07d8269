package pipeline

import (
	"github.com/pombredanne/tpie"
)

// Factory builds the push node for one pipeline segment. Construct receives
// the pipe being assembled and the segment's destination, registers any
// nodes it creates, and returns the Pusher feeding the segment. Factories
// are values and may be used to instantiate several identical segments
// (the parallel core builds one per worker).
type Factory[In, Out any] struct {
	Construct func(p *Pipe, dest Pusher[Out]) Pusher[In]
}

// SourceFactory builds the node that produces a pipeline's items and
// registers the phase driver that pushes them.
type SourceFactory[Out any] struct {
	Construct func(p *Pipe, dest Pusher[Out])
}

// SinkFactory builds the node consuming a pipeline's items.
type SinkFactory[In any] struct {
	Construct func(p *Pipe) Pusher[In]
}

// PullFactory builds the pull node for one segment of a pull chain.
type PullFactory[In, Out any] struct {
	Construct func(p *Pipe, src Puller[In]) Puller[Out]
}

// Then composes two factories: items flow through f, then g.
func Then[A, B, C any](f Factory[A, B], g Factory[B, C]) Factory[A, C] {
	return Factory[A, C]{Construct: func(p *Pipe, dest Pusher[C]) Pusher[A] {
		return f.Construct(p, g.Construct(p, dest))
	}}
}

// ThenPull composes two pull factories: items are pulled through f, then g.
func ThenPull[A, B, C any](f PullFactory[A, B], g PullFactory[B, C]) PullFactory[A, C] {
	return PullFactory[A, C]{Construct: func(p *Pipe, src Puller[A]) Puller[C] {
		return g.Construct(p, f.Construct(p, src))
	}}
}

// Identity passes items through unchanged and registers no node.
func Identity[T any]() Factory[T, T] {
	return Factory[T, T]{Construct: func(p *Pipe, dest Pusher[T]) Pusher[T] {
		return dest
	}}
}

// pushFunc adapts a function to Pusher.
type pushFunc[T any] func(T) error

func (f pushFunc[T]) Push(x T) error { return f(x) }

// Source returns a factory producing items by calling run with a push
// callback.
func Source[T any](name string, run func(push func(T) error) error) SourceFactory[T] {
	return SourceFactory[T]{Construct: func(p *Pipe, dest Pusher[T]) {
		p.add(&funcNode{}, &Info{Name: name, Priority: PriorityUser})
		p.setDriver(func() error {
			return run(dest.Push)
		})
	}}
}

// FromSlice returns a factory pushing the items of xs in order.
func FromSlice[T any](name string, xs []T) SourceFactory[T] {
	return Source(name, func(push func(T) error) error {
		for _, x := range xs {
			if err := push(x); err != nil {
				return err
			}
		}
		return nil
	})
}

// Drain returns a factory that pushes items pulled from src until it is
// exhausted, bridging a pull chain onto a push chain.
func Drain[T any](name string, src Puller[T]) SourceFactory[T] {
	return Source(name, func(push func(T) error) error {
		for src.CanPull() {
			x, err := src.Pull()
			if err != nil {
				return err
			}
			if err := push(x); err != nil {
				return err
			}
		}
		return nil
	})
}

// mapNode applies fn to each item.
type mapNode[A, B any] struct {
	BaseNode
	fn   func(A) B
	dest Pusher[B]
}

func (n *mapNode[A, B]) Push(x A) error {
	return n.dest.Push(n.fn(x))
}

// Map returns a factory applying fn to each item.
func Map[A, B any](name string, fn func(A) B) Factory[A, B] {
	return Factory[A, B]{Construct: func(p *Pipe, dest Pusher[B]) Pusher[A] {
		n := &mapNode[A, B]{fn: fn, dest: dest}
		p.add(n, &Info{Name: name, Priority: PriorityUser})
		return n
	}}
}

// filterNode forwards items satisfying pred.
type filterNode[T any] struct {
	BaseNode
	pred func(T) bool
	dest Pusher[T]
}

func (n *filterNode[T]) Push(x T) error {
	if !n.pred(x) {
		return nil
	}
	return n.dest.Push(x)
}

// Filter returns a factory forwarding only items satisfying pred.
func Filter[T any](name string, pred func(T) bool) Factory[T, T] {
	return Factory[T, T]{Construct: func(p *Pipe, dest Pusher[T]) Pusher[T] {
		n := &filterNode[T]{pred: pred, dest: dest}
		p.add(n, &Info{Name: name, Priority: PriorityUser})
		return n
	}}
}

// Each returns a sink factory calling fn for every item.
func Each[T any](name string, fn func(T) error) SinkFactory[T] {
	return SinkFactory[T]{Construct: func(p *Pipe) Pusher[T] {
		p.add(&funcNode{}, &Info{Name: name, Priority: PriorityUser})
		return pushFunc[T](fn)
	}}
}

// ToSlice returns a sink factory appending every item to *out.
func ToSlice[T any](name string, out *[]T) SinkFactory[T] {
	return Each(name, func(x T) error {
		*out = append(*out, x)
		return nil
	})
}

// PullFromSlice returns a pull factory producing the items of xs in order.
func PullFromSlice[T any](name string, xs []T) PullFactory[struct{}, T] {
	return PullFactory[struct{}, T]{Construct: func(p *Pipe, _ Puller[struct{}]) Puller[T] {
		p.add(&funcNode{}, &Info{Name: name, Priority: PriorityUser})
		return &slicePuller[T]{xs: xs}
	}}
}

type slicePuller[T any] struct {
	xs []T
	i  int
}

func (s *slicePuller[T]) CanPull() bool { return s.i < len(s.xs) }

func (s *slicePuller[T]) Pull() (T, error) {
	x := s.xs[s.i]
	s.i++
	return x, nil
}

// PullMap returns a pull factory applying fn to each pulled item.
func PullMap[A, B any](name string, fn func(A) B) PullFactory[A, B] {
	return PullFactory[A, B]{Construct: func(p *Pipe, src Puller[A]) Puller[B] {
		p.add(&funcNode{}, &Info{Name: name, Priority: PriorityUser})
		return &mapPuller[A, B]{src: src, fn: fn}
	}}
}

type mapPuller[A, B any] struct {
	src Puller[A]
	fn  func(A) B
}

func (m *mapPuller[A, B]) CanPull() bool { return m.src.CanPull() }

func (m *mapPuller[A, B]) Pull() (B, error) {
	x, err := m.src.Pull()
	if err != nil {
		var zero B
		return zero, err
	}
	return m.fn(x), nil
}

// Sort returns a factory that buffers, sorts and re-emits its input. The
// segment spans two phases: its upstream phase ends when the sorter has
// consumed all input, and the downstream phase pulls sorted output. The
// sorter's memory budgets are taken from the node assignments in each
// phase.
func Sort[T any](codec tpie.Codec[T], less func(a, b T) bool, opts ...tpie.SortOption) Factory[T, T] {
	return Factory[T, T]{Construct: func(p *Pipe, dest Pusher[T]) Pusher[T] {
		srt := tpie.NewMergeSorter(codec, less, opts...)

		pull := &sortPullNode[T]{srt: srt}
		p.add(pull, &Info{Name: "sort output", Priority: PriorityInsignificant})
		p.setDriver(func() error {
			for srt.CanPull() {
				x, err := srt.Pull()
				if err != nil {
					return err
				}
				if err := dest.Push(x); err != nil {
					return err
				}
			}
			return nil
		})
		p.breakPhase()

		push := &sortPushNode[T]{srt: srt, pull: pull}
		p.add(push, &Info{Name: "sort input", Priority: PriorityUser})
		return push
	}}
}

// sortPushNode feeds the sorter during its upstream phase.
type sortPushNode[T any] struct {
	srt    *tpie.MergeSorter[T]
	pull   *sortPullNode[T]
	budget int64
}

func (n *sortPushNode[T]) SetMemory(budget int64) { n.budget = budget }

func (n *sortPushNode[T]) Begin() error {
	if !n.srt.ParametersSet() {
		m2 := n.budget
		if m2 <= 0 {
			m2 = tpie.DefaultMemory()
		}
		m34 := n.pull.budget
		if m34 <= 0 {
			m34 = m2
		}
		if err := n.srt.SetAvailableMemoryPhases(m2, m34, m34); err != nil {
			return err
		}
	}
	return n.srt.Begin()
}

func (n *sortPushNode[T]) Push(x T) error { return n.srt.Push(x) }

func (n *sortPushNode[T]) End() error { return n.srt.End() }

// sortPullNode runs the intermediate merges at the start of the downstream
// phase and releases the sorter when the phase ends.
type sortPullNode[T any] struct {
	srt    *tpie.MergeSorter[T]
	budget int64
}

func (n *sortPullNode[T]) SetMemory(budget int64) { n.budget = budget }

func (n *sortPullNode[T]) Begin() error { return n.srt.Calc() }

func (n *sortPullNode[T]) End() error { return n.srt.Close() }
