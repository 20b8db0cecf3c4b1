package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function to the pull-based Stream
// interface. Each provider chunk is a suspension point: the producer
// blocks on the events channel until the caller pulls, and a caller
// that stops pulling and calls Close cancels the producer's context,
// which tears down the underlying transport.
type eventStream struct {
	events <-chan Event
	errc   <-chan error
	cancel context.CancelFunc

	closeOnce sync.Once
	err       error
	done      bool
}

// newEventStream runs produce in a goroutine and returns a Stream over
// the events it emits. A non-nil error from produce is surfaced as a
// single terminal EventError, after which Recv returns io.EOF.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		errc <- produce(ctx, events)
	}()

	return &eventStream{events: events, errc: errc, cancel: cancel}
}

func (s *eventStream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	event, ok := <-s.events
	if ok {
		return event, nil
	}
	s.done = true
	// The producer sends its error before the deferred channel close,
	// so by the time events is closed the value is already buffered.
	// The non-blocking read only misses it when Close's drain got
	// there first, in which case EOF is the right answer.
	select {
	case err := <-s.errc:
		if err != nil && err != context.Canceled {
			return Event{Type: EventError, Err: err}, nil
		}
	default:
	}
	return Event{}, io.EOF
}

func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// Drain so the producer goroutine can finish.
		go func() {
			for range s.events {
			}
			select {
			case <-s.errc:
			default:
			}
		}()
	})
	return nil
}
