package service

import (
	"cmp"
	"slices"
	"sync"

	"github.com/runwarden/runwarden/internal/model"
)

// entry is registered before its process is spawned, so a cancel can never
// miss a live process. runner is nil until then.
type entry struct {
	mx        sync.Mutex
	info      model.RunningTest
	runner    *Runner
	cancelled bool
}

func newEntry(info model.RunningTest) *entry {
	return &entry{info: info}
}

// start attaches the spawned runner. A cancel that arrived earlier
// terminates it right away.
func (e *entry) start(r *Runner) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.runner = r
	e.info.PID = r.PID()
	if e.cancelled {
		return r.Terminate()
	}
	return nil
}

// cancel marks the entry cancelled and terminates its process. It reports
// false, and leaves the entry alone, when the process has already exited.
func (e *entry) cancel() (bool, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.runner != nil {
		select {
		case <-e.runner.Done():
			return false, nil
		default:
		}
	}
	e.cancelled = true
	if e.runner == nil {
		return true, nil
	}
	return true, e.runner.Terminate()
}

func (e *entry) isCancelled() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.cancelled
}

func (e *entry) snapshot() model.RunningTest {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.info
}

// registry tracks running executions by executionId. All access goes
// through its methods.
type registry struct {
	mx      sync.Mutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) add(e *entry) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.entries[e.info.ExecutionID] = e
}

// remove is idempotent; it reports whether the entry was still present.
func (r *registry) remove(executionID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.entries[executionID]
	delete(r.entries, executionID)
	return ok
}

// takeScript removes and returns every entry of scriptID.
func (r *registry) takeScript(scriptID string) []*entry {
	r.mx.Lock()
	defer r.mx.Unlock()
	var out []*entry
	for id, e := range r.entries {
		// ScriptID never changes after add
		if e.info.ScriptID == scriptID {
			out = append(out, e)
			delete(r.entries, id)
		}
	}
	return out
}

func (r *registry) list() []model.RunningTest {
	r.mx.Lock()
	out := make([]model.RunningTest, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mx.Unlock()

	slices.SortFunc(out, func(a, b model.RunningTest) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ExecutionID, b.ExecutionID)
	})
	return out
}
