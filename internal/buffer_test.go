package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccumulateFills(t *testing.T) {
	buf := &fillbuf{}
	assert.Equal(t, 0, buf.len())

	producer := make(chan fill)
	consumer := accumulate(producer, buf)

	producer <- fill{key: "a", val: []byte("1"), ttl: time.Minute}
	producer <- fill{key: "a", val: []byte("2"), ttl: 2 * time.Minute}
	producer <- fill{key: "b", val: []byte("3"), ttl: time.Minute}
	// We unblock as soon as a value is sent down the producer channel but
	// before the buffer is updated. Sleep to allow the other goroutine to
	// actually push the value into the buffer. Racy but it works for now.
	time.Sleep(10 * time.Millisecond)

	// The repeat write to "a" merged in place, keeping the newest payload.
	assert.Equal(t, 2, buf.len())

	f := <-consumer
	assert.Equal(t, fill{key: "a", val: []byte("2"), ttl: 2 * time.Minute}, f)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, buf.len())

	f = <-consumer
	assert.Equal(t, fill{key: "b", val: []byte("3"), ttl: time.Minute}, f)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, buf.len())

	// Distinct keys drain FIFO; merges don't reorder the queue.
	producer <- fill{key: "c", val: []byte("4"), ttl: time.Minute}
	producer <- fill{key: "d", val: []byte("5"), ttl: time.Minute}
	producer <- fill{key: "c", val: []byte("6"), ttl: time.Minute}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, buf.len())

	f = <-consumer
	assert.Equal(t, fill{key: "c", val: []byte("6"), ttl: time.Minute}, f)
	f = <-consumer
	assert.Equal(t, fill{key: "d", val: []byte("5"), ttl: time.Minute}, f)

	close(producer)

	_, ok := <-consumer
	assert.False(t, ok)
}

func TestAccumulateSlice(t *testing.T) {
	buf := slicebuffer[int]{}
	producer := make(chan int)
	consumer := accumulate(producer, &buf)

	// Test this case where we consume before producing.
	go func() {
		time.Sleep(time.Second)
		producer <- -1
	}()
	x := <-consumer
	assert.Equal(t, -1, x)

	producer <- 1
	producer <- 2
	producer <- 3

	n := <-consumer
	assert.Equal(t, 1, n)
	n = <-consumer
	assert.Equal(t, 2, n)
	n = <-consumer
	assert.Equal(t, 3, n)

	close(producer)

	_, ok := <-consumer
	assert.False(t, ok)
}
