package timerqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavu-io/evcore/internal/reactor"
)

func drain(r *reactor.Reactor, timeoutMS int) []func() {
	var jobs []func()
	_, err := r.HandleEvents(timeoutMS, func(j reactor.Job) { jobs = append(jobs, j) })
	if err != nil {
		panic(err)
	}
	return jobs
}

func runAll(jobs []func()) {
	for _, j := range jobs {
		j()
	}
}

func inlinePost(f func()) { f() }

func TestOneShotFires(t *testing.T) {
	r, err := reactor.New(16)
	require.NoError(t, err)
	defer r.Close()

	q, err := New(r, inlinePost)
	require.NoError(t, err)
	defer q.Close()

	var fired bool
	tag := q.Reserve(func() { fired = true })
	require.NoError(t, q.Enqueue(tag, time.Now().Add(20*time.Millisecond), 0))

	deadline := time.Now().Add(2 * time.Second)
	for !fired && time.Now().Before(deadline) {
		runAll(drain(r, 100))
	}
	assert.True(t, fired)
}

func TestZeroExpiryFiresImmediately(t *testing.T) {
	r, err := reactor.New(16)
	require.NoError(t, err)
	defer r.Close()

	q, err := New(r, inlinePost)
	require.NoError(t, err)
	defer q.Close()

	var fired bool
	tag := q.Reserve(func() { fired = true })
	require.NoError(t, q.Enqueue(tag, time.Time{}, 0))
	assert.True(t, fired, "zero expiry must fire synchronously via post")
}

func TestPeriodicFiresMultipleTimes(t *testing.T) {
	r, err := reactor.New(16)
	require.NoError(t, err)
	defer r.Close()

	q, err := New(r, inlinePost)
	require.NoError(t, err)
	defer q.Close()

	var mu sync.Mutex
	count := 0
	tag := q.Reserve(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, q.Enqueue(tag, time.Now().Add(10*time.Millisecond), 10*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		c := count
		mu.Unlock()
		if c >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("periodic timer fired only %d times", c)
		}
		runAll(drain(r, 100))
	}
	q.Dequeue(tag)
}

func TestDequeueBeforeExpiryPreventsFire(t *testing.T) {
	r, err := reactor.New(16)
	require.NoError(t, err)
	defer r.Close()

	q, err := New(r, inlinePost)
	require.NoError(t, err)
	defer q.Close()

	var fired bool
	tag := q.Reserve(func() { fired = true })
	require.NoError(t, q.Enqueue(tag, time.Now().Add(200*time.Millisecond), 0))
	q.Dequeue(tag)

	runAll(drain(r, 400))
	assert.False(t, fired)
}

func TestEnqueueUnknownTagErrors(t *testing.T) {
	r, err := reactor.New(16)
	require.NoError(t, err)
	defer r.Close()

	q, err := New(r, inlinePost)
	require.NoError(t, err)
	defer q.Close()

	err = q.Enqueue(Tag(999), time.Now().Add(time.Second), 0)
	assert.ErrorIs(t, err, ErrNotExist)
}
