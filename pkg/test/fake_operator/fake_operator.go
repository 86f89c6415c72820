package fake_operator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/adammck/pinner/pkg/api"
)

// Call is a record of one Pin or Unpin.
type Call struct {
	Action string // "pin" or "unpin"
	Node   api.NodeID
	CID    api.CID
	Err    error
}

// Operator is a fake node operator which keeps pins in memory, and can be told
// to fail, hang, or panic for specific nodes.
type Operator struct {
	mu sync.Mutex

	// node -> pinned cids
	pins map[api.NodeID]map[api.CID]struct{}

	// node -> number of upcoming pins which should fail
	failPins map[api.NodeID]int

	// node -> unpins fail while set
	failUnpins map[api.NodeID]error

	// node -> pins block until this is closed (or ctx is done)
	hang map[api.NodeID]chan struct{}

	// node -> pins panic
	panics map[api.NodeID]bool

	calls []Call
}

func New() *Operator {
	return &Operator{
		pins:       map[api.NodeID]map[api.CID]struct{}{},
		failPins:   map[api.NodeID]int{},
		failUnpins: map[api.NodeID]error{},
		hang:       map[api.NodeID]chan struct{}{},
		panics:     map[api.NodeID]bool{},
	}
}

// FailPins makes the next n pins to the given node fail.
func (o *Operator) FailPins(nID api.NodeID, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failPins[nID] = n
}

// FailUnpins makes every unpin from the given node fail with err. Pass nil to
// clear.
func (o *Operator) FailUnpins(nID api.NodeID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.failUnpins, nID)
		return
	}
	o.failUnpins[nID] = err
}

// Hang makes pins to the given node block until the returned func is called,
// or their context is done.
func (o *Operator) Hang(nID api.NodeID) func() {
	ch := make(chan struct{})

	o.mu.Lock()
	o.hang[nID] = ch
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

func (o *Operator) Panic(nID api.NodeID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.panics[nID] = true
}

func (o *Operator) Pin(ctx context.Context, rem api.Remote, cid api.CID) error {
	nID := rem.NodeID()

	o.mu.Lock()
	hang := o.hang[nID]
	panics := o.panics[nID]
	o.mu.Unlock()

	if panics {
		panic(fmt.Sprintf("injected panic (node=%s)", nID))
	}

	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			o.record(Call{Action: "pin", Node: nID, CID: cid, Err: ctx.Err()})
			return ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if n := o.failPins[nID]; n > 0 {
		o.failPins[nID] = n - 1
		err := fmt.Errorf("injected pin failure (node=%s)", nID)
		o.calls = append(o.calls, Call{Action: "pin", Node: nID, CID: cid, Err: err})
		return err
	}

	if _, ok := o.pins[nID]; !ok {
		o.pins[nID] = map[api.CID]struct{}{}
	}
	o.pins[nID][cid] = struct{}{}
	o.calls = append(o.calls, Call{Action: "pin", Node: nID, CID: cid})

	return nil
}

func (o *Operator) Unpin(ctx context.Context, rem api.Remote, cid api.CID) error {
	nID := rem.NodeID()

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.failUnpins[nID]; err != nil {
		o.calls = append(o.calls, Call{Action: "unpin", Node: nID, CID: cid, Err: err})
		return err
	}

	delete(o.pins[nID], cid)
	o.calls = append(o.calls, Call{Action: "unpin", Node: nID, CID: cid})

	return nil
}

func (o *Operator) record(c Call) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, c)
}

// Calls returns a copy of every call made so far, in order.
func (o *Operator) Calls() []Call {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Call, len(o.calls))
	copy(out, o.calls)
	return out
}

// PinnedOn returns the sorted node IDs which currently hold the cid.
func (o *Operator) PinnedOn(cid api.CID) []api.NodeID {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := []api.NodeID{}
	for nID, cids := range o.pins {
		if _, ok := cids[cid]; ok {
			out = append(out, nID)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})

	return out
}
