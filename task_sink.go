package hastate

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// sinkQueueSize is the capacity of the election and publish sinks
	sinkQueueSize int = 1024
)

// sink is a queue drained by a single goroutine.
// Items are handled one at a time, in the order they were added
type sink[T any] struct {
	name    string
	ctx     context.Context
	queue   chan T
	handler func(T)
	logger  *zerolog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// newSink builds a sink stopped when ctx is done
func newSink[T any](ctx context.Context, name string, handler func(T), logger *zerolog.Logger) *sink[T] {
	return &sink[T]{
		name:    name,
		ctx:     ctx,
		queue:   make(chan T, sinkQueueSize),
		handler: handler,
		logger:  logger,
	}
}

// start runs the consumer goroutine. Extra calls are ignored
func (s *sink[T]) start() {
	s.once.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ctx.Done():
					s.logger.Trace().Str("sink", s.name).Msg("sink stopped")
					return
				case item := <-s.queue:
					s.handler(item)
				}
			}
		}()
	})
}

// add queues the item. It returns false when the sink is stopped
func (s *sink[T]) add(item T) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.queue <- item:
		return true
	}
}

// wait blocks until the consumer goroutine exits
func (s *sink[T]) wait() {
	s.wg.Wait()
}
