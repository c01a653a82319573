package dispatch

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Delivery is one synthesized voice line waiting for the game.
type Delivery struct {
	Speaker game.Character
	Text    string

	// Audio streams the synthesized speech. The consumer must drain it.
	Audio <-chan []byte

	// Behaviors are the keywords triggered in this line.
	Behaviors []string

	end bool
}

// Queue is a single-slot ordered hand-off between the dispatcher (producer)
// and the delivery consumer. Put does not return until the consumer has
// acknowledged the item, so at most one line is ever outstanding.
//
// A Queue is reusable across turns: End marks the end of one response and
// Reset clears anything left behind by a cancelled turn.
type Queue struct {
	slot  chan Delivery
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		slot:  make(chan Delivery, 1),
		ready: make(chan struct{}, 1),
	}
}

// Put enqueues d and blocks until the consumer calls [Queue.Ack].
func (q *Queue) Put(ctx context.Context, d Delivery) error {
	select {
	case q.slot <- d:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End enqueues the end-of-response sentinel. It does not wait for an Ack.
func (q *Queue) End(ctx context.Context) error {
	select {
	case q.slot <- Delivery{end: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the next delivery. ok is false once the end sentinel arrives.
func (q *Queue) Get(ctx context.Context) (d Delivery, ok bool, err error) {
	select {
	case d = <-q.slot:
		if d.end {
			return Delivery{}, false, nil
		}
		return d, true, nil
	case <-ctx.Done():
		return Delivery{}, false, ctx.Err()
	}
}

// Ack tells the producer the current delivery was consumed.
func (q *Queue) Ack() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Reset discards any undelivered item and pending acknowledgement.
func (q *Queue) Reset() {
	for {
		select {
		case d := <-q.slot:
			if d.Audio != nil {
				go audio.Drain(d.Audio)
			}
		case <-q.ready:
		default:
			return
		}
	}
}

// Deliver consumes q until the end sentinel, handing every line to g.Say
// in order and acknowledging it once the game accepted it.
func Deliver(ctx context.Context, q *Queue, g game.Interface) error {
	for {
		d, ok, err := q.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		var pcm []byte
		if d.Audio != nil {
			if pcm, err = tts.Collect(ctx, d.Audio); err != nil {
				return fmt.Errorf("dispatch: collect audio for %s: %w", d.Speaker.Name, err)
			}
		}
		if err := g.Say(ctx, d.Speaker, d.Text, pcm); err != nil {
			return fmt.Errorf("dispatch: say %q as %s: %w", d.Text, d.Speaker.Name, err)
		}
		q.Ack()
	}
}
