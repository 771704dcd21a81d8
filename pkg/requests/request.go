//go:build linux

package requests

import (
	"sync/atomic"

	"github.com/brickingsoft/asyncfs/pkg/arena"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/errors"
)

type State uint32

const (
	Allocated State = iota + 1
	Enqueued
	Submitted
	Completed
	Released
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Enqueued:
		return "enqueued"
	case Submitted:
		return "submitted"
	case Completed:
		return "completed"
	case Released:
		return "released"
	default:
		return "invalid"
	}
}

// predecessors of each state, Submitted is optional on the way to Completed.
var transitions = map[State][]State{
	Enqueued:  {Allocated},
	Submitted: {Enqueued},
	Completed: {Enqueued, Submitted},
	Released:  {Completed},
}

// ResolveFunc receives the completion result of the request, a byte count or an errno.
// It reports false when the request was already resolved.
type ResolveFunc func(n int, err error) bool

type Request struct {
	tag        uint64
	state      atomic.Uint32
	Descriptor ring.Descriptor
	Buffer     arena.Buffer
	resolve    ResolveFunc
	keep       []any
}

func (req *Request) Tag() uint64 {
	return req.tag
}

func (req *Request) State() State {
	return State(req.state.Load())
}

// Advance
// moves the request to the next state, refusing skipped or regressing transitions.
func (req *Request) Advance(to State) error {
	from, ok := transitions[to]
	if !ok {
		return req.illegal(to)
	}
	for {
		current := State(req.state.Load())
		allowed := false
		for _, candidate := range from {
			if candidate == current {
				allowed = true
				break
			}
		}
		if !allowed {
			return req.illegal(to)
		}
		if req.state.CompareAndSwap(uint32(current), uint32(to)) {
			return nil
		}
	}
}

// MarkSubmitted
// false when the completion already overtook the submit.
func (req *Request) MarkSubmitted() bool {
	return req.state.CompareAndSwap(uint32(Enqueued), uint32(Submitted))
}

func (req *Request) illegal(to State) error {
	return errors.From(
		ErrIllegalTransition,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaStateKey, req.State().String()+"->"+to.String()),
	)
}

func (req *Request) OnResolve(fn ResolveFunc) {
	req.resolve = fn
}

// Resolve
// hands the completion result to the registered callback.
func (req *Request) Resolve(n int, err error) bool {
	if fn := req.resolve; fn != nil {
		return fn(n, err)
	}
	return true
}

// Keep
// holds references to memory the kernel reads through Descriptor addresses.
func (req *Request) Keep(values ...any) {
	req.keep = append(req.keep, values...)
}

func (req *Request) HasBuffer() bool {
	return req.Buffer.Valid()
}
