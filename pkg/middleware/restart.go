// Package middleware implements the two restart listeners named in the
// spec: MaxTasksPerChild, which recycles a worker after it has completed a
// fixed number of tasks, and RestartOnRequest, which recycles a worker when
// a task reports worker.RestartRequested. Both are Listener implementations
// hooked onto worker.AfterProcess; restart routing goes through
// worker.Outcome rather than a thrown sentinel (spec Design Notes §9).
package middleware

import (
	"sync"

	"github.com/guido-cesarano/distriq/pkg/worker"
)

// restartSignaler is the narrow surface both middlewares need from Worker.
type restartSignaler interface {
	RequestRestart()
}

// maxTasksPerChild increments an in-memory counter on every processed
// message and signals a restart once it reaches limit. The counter resets
// to zero at process start — it is not persisted anywhere, matching spec
// §4.5 ("in-memory only").
type maxTasksPerChild struct {
	limit   int
	worker  restartSignaler
	mu      sync.Mutex
	counter int
}

// MaxTasksPerChild returns a Listener that requests a restart once limit
// messages have been processed by this worker. A limit of 0 disables it —
// callers should simply not register it in that case, but the zero value
// is also safe to register (it never fires).
func MaxTasksPerChild(w restartSignaler, limit int) worker.Listener {
	return &maxTasksPerChild{limit: limit, worker: w}
}

// OnEvent implements worker.Listener.
func (m *maxTasksPerChild) OnEvent(e worker.Event) {
	if e.Kind != worker.AfterProcess || m.limit <= 0 {
		return
	}
	m.mu.Lock()
	m.counter++
	reached := m.counter >= m.limit
	m.mu.Unlock()
	if reached {
		m.worker.RequestRestart()
	}
}

// restartOnRequest watches for worker.RestartRequested outcomes bubbling
// through AfterProcess and signals a restart when it sees one. User task
// code reports this outcome to ask for a recycle, e.g. after a
// memory-bloating operation.
type restartOnRequest struct {
	worker restartSignaler
}

// RestartOnRequest returns a Listener that requests a restart every time a
// handler reports worker.RestartRequested; Worker.RequestRestart acts only
// on the first such call.
func RestartOnRequest(w restartSignaler) worker.Listener {
	return &restartOnRequest{worker: w}
}

// OnEvent implements worker.Listener.
func (r *restartOnRequest) OnEvent(e worker.Event) {
	if e.Kind != worker.AfterProcess {
		return
	}
	if e.Outcome.Kind == worker.RestartRequested {
		r.worker.RequestRestart()
	}
}
