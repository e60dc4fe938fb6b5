package actor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsyncResolve(t *testing.T) {
	require := require.New(t)
	p := NewProvider[int]()
	a := p.Async()

	require.False(a.Ready())
	p.SetResult(42, nil)
	require.True(a.Ready())

	v, err := a.Result()
	require.Nil(err)
	require.Equal(42, v)
}

func TestAsyncResultBeforeReadyPanics(t *testing.T) {
	require := require.New(t)
	p := NewProvider[int]()
	a := p.Async()
	require.Panics(func() {
		a.Result()
	})
}

func TestAsyncDoubleResolvePanics(t *testing.T) {
	require := require.New(t)
	p := NewProvider[int]()
	p.SetResult(1, nil)
	require.Panics(func() {
		p.SetResult(2, nil)
	})
}

func TestAsyncObserverOnMailbox(t *testing.T) {
	require := require.New(t)
	mb := NewMailbox("observer", nil, nil)
	p := NewProvider[string]()

	got := make(chan string, 1)
	onMailbox := make(chan bool, 1)
	p.Async().OnReady(mb, func(v string, err error) {
		onMailbox <- Current() == mb
		got <- v
	})

	p.SetResult("hello", nil)
	require.True(<-onMailbox, "observer should resume on its captured mailbox")
	require.Equal("hello", <-got)
}

func TestAsyncCapturesCurrentMailbox(t *testing.T) {
	require := require.New(t)
	mb := NewMailbox("observer", nil, nil)
	p := NewProvider[int]()

	onMailbox := make(chan bool, 1)
	mb.Enqueue("register", func() {
		// Registering inside an actor method captures that actor.
		p.Async().OnReady(nil, func(int, error) {
			onMailbox <- Current() == mb
		})
	})
	mb.Sync()
	p.SetResult(7, nil)
	require.True(<-onMailbox)
}

func TestAsyncObserverAfterResolve(t *testing.T) {
	require := require.New(t)
	p := NewProvider[int]()
	p.SetResult(9, nil)

	got := make(chan int, 1)
	p.Async().OnReady(nil, func(v int, err error) {
		got <- v
	})
	require.Equal(9, <-got)
}

func TestAsyncWait(t *testing.T) {
	require := require.New(t)
	p := NewProvider[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.SetResult(5, nil)
	}()
	v, err := p.Async().Wait()
	require.Nil(err)
	require.Equal(5, v)
}

func TestAsyncWaitTimeout(t *testing.T) {
	require := require.New(t)
	p := NewProvider[int]()
	_, _, ok := p.Async().WaitTimeout(20 * time.Millisecond)
	require.False(ok)
}

func TestAsyncError(t *testing.T) {
	require := require.New(t)
	p := NewProvider[int]()
	boom := errors.New("boom")
	p.SetResult(0, boom)
	_, err := p.Async().Wait()
	require.ErrorIs(err, boom)
}

func TestAsyncThenChain(t *testing.T) {
	require := require.New(t)
	mb := NewMailbox("chain", nil, nil)
	p := NewProvider[int]()

	doubled := Then(p.Async(), mb, func(v int, err error) (int, error) {
		return v * 2, err
	})
	stringified := Then(doubled, mb, func(v int, err error) (string, error) {
		if v == 84 {
			return "eighty-four", err
		}
		return "", err
	})

	p.SetResult(42, nil)
	s, err := stringified.Wait()
	require.Nil(err)
	require.Equal("eighty-four", s)
}
