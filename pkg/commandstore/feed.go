package commandstore

import (
	"context"
	"sync"
)

type queued struct {
	msg  Message
	sync bool
}

// Feed is the Subscription implementation shared by the stores. It decouples
// transport delivery from the consumer with an unbounded ordered queue, so a transport
// that waits for acknowledgements never blocks on a consumer that is itself publishing.
type Feed struct {
	messages chan Message
	synced   chan struct{}
	notify   chan struct{}
	cancel   context.CancelFunc

	mu    sync.Mutex
	queue []queued
	done  bool
}

// NewFeed returns a feed and a context that is cancelled when the feed is closed.
func NewFeed(ctx context.Context) (*Feed, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s := &Feed{
		messages: make(chan Message),
		synced:   make(chan struct{}),
		notify:   make(chan struct{}, 1),
		cancel:   cancel,
	}

	go s.run(ctx)

	return s, ctx
}

func (s *Feed) Messages() <-chan Message {
	return s.messages
}

func (s *Feed) Synced() <-chan struct{} {
	return s.synced
}

func (s *Feed) Close() error {
	s.cancel()

	return nil
}

func (s *Feed) Push(msg Message) {
	s.enqueue(queued{msg: msg})
}

// MarkSynced is delivered in order: Synced closes only after every message pushed
// before it has been received.
func (s *Feed) MarkSynced() {
	s.enqueue(queued{sync: true})
}

// Finish closes Messages once the queue is drained.
func (s *Feed) Finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
}

func (s *Feed) enqueue(item queued) {
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.wake()
}

func (s *Feed) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Feed) run(ctx context.Context) {
	defer close(s.messages)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			done := s.done
			s.mu.Unlock()

			if done {
				return
			}

			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		item := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if item.sync {
			close(s.synced)

			continue
		}

		select {
		case s.messages <- item.msg:
		case <-ctx.Done():
			return
		}
	}
}
