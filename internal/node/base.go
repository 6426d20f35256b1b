package node

import (
	"fmt"
	"sync"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// base carries the identity, state machine, and metadata shared by every
// node variant. Variants embed it and drive transitions through the
// lifecycle helpers.
type base struct {
	id         string
	kind       Kind
	persistent bool

	mu    sync.Mutex
	state State
	meta  map[string]any

	// execMu serializes Execute calls; a second caller blocks until the
	// first finishes rather than observing a busy rejection.
	execMu sync.Mutex

	hist *history.Writer
	log  *logger.Logger
}

// init seeds the embedded base in place. Constructors call it on the
// freshly allocated variant so the contained mutexes are never copied.
func (b *base) init(id string, kind Kind, persistent bool, hist *history.Writer, log *logger.Logger) {
	if log == nil {
		log = logger.Default()
	}
	b.id = id
	b.kind = kind
	b.persistent = persistent
	b.state = StateCreated
	b.meta = make(map[string]any)
	b.hist = hist
	b.log = log.WithNodeID(id)
}

func (b *base) ID() string       { return b.id }
func (b *base) Kind() Kind       { return b.kind }
func (b *base) Persistent() bool { return b.persistent }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta := make(map[string]any, len(b.meta))
	for k, v := range b.meta {
		meta[k] = v
	}
	return Info{
		ID:         b.id,
		Kind:       b.kind,
		State:      b.state,
		Persistent: b.persistent,
		Metadata:   meta,
	}
}

// SetMetadata records a metadata field surfaced through Info.
func (b *base) SetMetadata(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta[key] = value
}

// setState transitions unconditionally and records the transition.
func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.hist.Lifecycle(string(s), nil)
}

// transition moves from one of the allowed states to next, or reports which
// state blocked it. The error state is sticky: only Stop leaves it, so it
// never appears in an allowed-from set here.
func (b *base) transition(next State, from ...State) error {
	b.mu.Lock()
	cur := b.state
	for _, f := range from {
		if cur == f {
			b.state = next
			b.mu.Unlock()
			b.hist.Lifecycle(string(next), nil)
			return nil
		}
	}
	b.mu.Unlock()
	return fmt.Errorf("node %s is %s, cannot transition to %s", b.id, cur, next)
}

// beginExecute acquires the execution slot and moves ready -> busy.
func (b *base) beginExecute() error {
	b.execMu.Lock()
	if err := b.transition(StateBusy, StateReady); err != nil {
		b.execMu.Unlock()
		return err
	}
	return nil
}

// endExecute releases the execution slot. A fatal outcome parks the node in
// the error state until Stop; anything else returns it to ready.
func (b *base) endExecute(fatal bool) {
	if fatal {
		b.setState(StateError)
	} else {
		b.setState(StateReady)
	}
	b.execMu.Unlock()
}

// SetHistory attaches a history writer. Used when a node is created outside
// the session, such as a fork, and only gets its writer at registration.
// Must be called before Start.
func (b *base) SetHistory(w *history.Writer) {
	b.hist = w
}

// closeHistory closes the node's history writer, if any.
func (b *base) closeHistory() {
	b.hist.Close()
}

// notReadyResult is the uniform rejection for Execute on a node that is not
// ready, classified by the state that caused it.
func (b *base) notReadyResult(err error) Result {
	switch b.State() {
	case StateStopped, StateStopping, StateCreated:
		return FailErr(protocol.ErrNodeStopped, err)
	default:
		return FailErr(protocol.ErrInvalidRequest, err)
	}
}
