package llm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestEventStream_DeliversThenEOF(t *testing.T) {
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		events <- Event{Type: EventText, Text: "a"}
		events <- Event{Type: EventText, Text: "b"}
		return nil
	})
	defer stream.Close()

	for _, want := range []string{"a", "b"} {
		event, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if event.Text != want {
			t.Errorf("text = %q, want %q", event.Text, want)
		}
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("repeat Recv() err = %v, want io.EOF", err)
	}
}

func TestEventStream_ProducerErrorIsTerminalEvent(t *testing.T) {
	boom := errors.New("boom")
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		return boom
	})
	defer stream.Close()

	event, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if event.Type != EventError || !errors.Is(event.Err, boom) {
		t.Fatalf("event = %+v, want terminal error event", event)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF after terminal error", err)
	}
}

func TestEventStream_CloseStopsProducer(t *testing.T) {
	defer goleak.VerifyNone(t)

	produced := make(chan struct{})
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		close(produced)
		for {
			select {
			case events <- Event{Type: EventText, Text: "x"}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	<-produced
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}

	// Ceasing to pull and closing must tear the producer down.
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("producer still running after Close")
		default:
		}
		if _, err := stream.Recv(); err == io.EOF {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
