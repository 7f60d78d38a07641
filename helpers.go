package hastate

import (
	"io/fs"
	"os"
)

// notifier wakes up every goroutine waiting for a change.
// It must be used while holding the lock protecting the watched fields
type notifier struct {
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

// wait returns a channel closed on the next broadcast
func (n *notifier) wait() <-chan struct{} {
	return n.ch
}

// broadcast wakes up all current waiters
func (n *notifier) broadcast() {
	close(n.ch)
	n.ch = make(chan struct{})
}

// createDirectoryIfNotExist permits to create a directory with its parents
func createDirectoryIfNotExist(d string, perm fs.FileMode) error {
	if _, err := os.Stat(d); os.IsNotExist(err) {
		if err := os.MkdirAll(d, perm); err != nil {
			return err
		}
	}
	return nil
}
