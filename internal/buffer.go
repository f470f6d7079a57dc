package internal

import (
	"sync"
	"time"
)

type bbuffer[T any] interface {
	peek() (T, bool)
	pop() T
	push(T)
	len() int
}

// accumulate reads values produced by the consumer into an in-memory buffer. A
// channel is returned which provides those buffered values for consumption.
//
// This is helpful for smoothing out spikes in activity. Without this we could
// have tens of thousands of idle goroutines, at which point the scheduler can
// eat up CPU trying to find something to run.
func accumulate[T any](producer <-chan T, buf bbuffer[T]) <-chan T {
	c := make(chan T)

	go func() {
		for {
			// If our buffer is empty our consumer<- will just no-op until
			// something is produced.
			var consumer chan T
			var next T
			if t, ok := buf.peek(); ok {
				consumer = c
				next = t
			}

			// Either buffer the next produced element, or pass a buffered
			// entry down to the consumer.
			select {
			case val, ok := <-producer:
				if !ok {
					close(c)
					return
				}
				buf.push(val)
			case consumer <- next:
				_ = buf.pop()
			}
		}
	}()

	return c
}

// slicebuffer is a simple slice buffer. It is not thread safe.
type slicebuffer[T any] []T

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) pop() T {
	ss := (*s)[0]
	*s = (*s)[1:]
	return ss
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) push(t T) {
	if s == nil {
		s = &slicebuffer[T]{}
	}
	*s = append(*s, t)
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) peek() (T, bool) {
	if s == nil || len(*s) == 0 {
		var t T
		return t, false
	}
	return (*s)[0], true
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) len() int {
	return len(*s)
}

// fill is one pending L1 backfill: a cache key and the payload to promote
// into the fast layer.
type fill struct {
	key string
	val []byte
	ttl time.Duration
}

// fillbuf collects pending backfills and merges repeat writes to the same
// key, so a hot key that misses L1 many times before the worker catches up
// only costs one write. FIFO order is preserved for distinct keys.
type fillbuf struct {
	mu    sync.Mutex
	queue []*fill
	byKey map[string]*fill
}

// push enqueues the fill. If a fill for the same key is already waiting, the
// newer payload replaces it in place.
func (b *fillbuf) push(f fill) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.byKey == nil {
		b.byKey = map[string]*fill{}
	}

	if existing, ok := b.byKey[f.key]; ok {
		existing.val = f.val
		existing.ttl = f.ttl
		return
	}

	b.byKey[f.key] = &f
	b.queue = append(b.queue, &f)
}

// peek returns the next fill if there is one, or false if there isn't.
func (b *fillbuf) peek() (fill, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return fill{}, false
	}
	return *b.queue[0], true
}

// pop removes and returns the next fill in FIFO order. It must only be
// called after peek reports a value.
func (b *fillbuf) pop() fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.queue[0]
	b.queue = b.queue[1:]
	delete(b.byKey, f.key)
	return *f
}

// len returns the number of distinct keys currently waiting.
func (b *fillbuf) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
