package hastate

import (
	"time"
)

func newResponseTracker() *responseTracker {
	return &responseTracker{waiters: make(map[string]*responseWaiter)}
}

// register starts waiting for the responses of requestID from expected nodes
func (t *responseTracker) register(requestID string, expected []NodeID) *responseWaiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &responseWaiter{
		pending: make(nodeSet),
		done:    make(chan struct{}),
	}
	for _, node := range expected {
		w.pending.add(node)
	}
	if len(w.pending) == 0 {
		w.finish()
	}
	t.waiters[requestID] = w
	return w
}

// deliver hands the message to its waiter.
// It returns false when nobody waits for it
func (t *responseTracker) deliver(msg *StateMessage) bool {
	if !msg.isResponse() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.waiters[msg.InResponseTo]
	if !ok || !w.pending.has(msg.From) {
		return false
	}
	w.pending.remove(msg.From)
	w.responses = append(w.responses, msg)
	if len(w.pending) == 0 {
		w.finish()
	}
	return true
}

// forget stops waiting for node on every request
func (t *responseTracker) forget(node NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.waiters {
		if w.pending.has(node) {
			w.pending.remove(node)
			if len(w.pending) == 0 {
				w.finish()
			}
		}
	}
}

// await waits for all responses of requestID or until timeout
func (t *responseTracker) await(requestID string, w *responseWaiter, timeout time.Duration) ([]*StateMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-w.done:
	case <-timer.C:
		err = ErrResponseTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiters, requestID)
	responses := make([]*StateMessage, len(w.responses))
	copy(responses, w.responses)
	return responses, err
}

// abort closes every pending waiter
func (t *responseTracker) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.waiters {
		w.finish()
	}
}
