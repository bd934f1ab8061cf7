// Package watch is a small publish/subscribe queue built on go-events. The
// allocation engine publishes a change on it after every commit.
package watch

import (
	"sync"

	"github.com/docker/go-events"
)

// Queue is the structure used to publish events and watch for them.
type Queue struct {
	mu          sync.Mutex
	broadcast   *events.Broadcaster
	cancelFuncs map[events.Sink]func()
	buffer      int
	closed      bool
}

// NewQueue creates a new publish/subscribe queue which supports watchers.
// The channels that it will create for subscriptions will have the buffer
// size specified by buffer.
func NewQueue(buffer int) *Queue {
	return &Queue{
		broadcast:   events.NewBroadcaster(),
		cancelFuncs: make(map[events.Sink]func()),
		buffer:      buffer,
	}
}

// Watch returns a channel which will receive all items published to the
// queue from this point, until cancel is called.
func (q *Queue) Watch() (eventq chan events.Event, cancel func()) {
	return q.CallbackWatch(nil)
}

// CallbackWatch returns a channel which will receive all events published to
// the queue from this point that pass the check in the provided callback
// function. The returned cancel function will stop the flow of events and
// close the channel.
func (q *Queue) CallbackWatch(matcher events.Matcher) (eventq chan events.Event, cancel func()) {
	ch := events.NewChannel(q.buffer)
	// An unbounded queue in front of the channel keeps a slow watcher from
	// stalling the publisher.
	sink := events.Sink(events.NewQueue(ch))

	if matcher != nil {
		sink = events.NewFilter(sink, matcher)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		ch.Close()
		close(ch.C)
		return ch.C, func() {}
	}

	q.broadcast.Add(sink)

	var once sync.Once
	cancelFunc := func() {
		once.Do(func() {
			q.broadcast.Remove(sink)
			ch.Close()
			sink.Close()
		})
	}
	q.cancelFuncs[sink] = cancelFunc

	return ch.C, func() {
		q.mu.Lock()
		delete(q.cancelFuncs, sink)
		q.mu.Unlock()
		cancelFunc()
	}
}

// Publish adds an item to the queue.
func (q *Queue) Publish(item events.Event) {
	q.broadcast.Write(item)
}

// Close closes the queue and cancels every watcher.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for _, cancelFunc := range q.cancelFuncs {
		cancelFunc()
	}
	q.cancelFuncs = nil
	return q.broadcast.Close()
}
