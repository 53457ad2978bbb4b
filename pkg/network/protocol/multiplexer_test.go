package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMultiplexerRoundRobin(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := make(chan string, 3)
	b := make(chan string, 3)
	for i, s := range []string{"0", "1", "2"} {
		a <- "a" + s
		if i < 2 {
			b <- "b" + s
		}
	}
	close(a)
	close(b)

	out := make(chan string, 10)
	err := NewMultiplexer[string](a, b).Run(context.Background(), out)
	require.NoError(t, err)
	close(out)

	var got []string
	for v := range out {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a0", "b0", "a1", "b1", "a2"}, got)
}

func TestMultiplexerBlocksUntilReady(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := make(chan int)
	b := make(chan int)
	out := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewMultiplexer[int](a, b).Run(ctx, out) }()

	b <- 7
	select {
	case v := <-out:
		assert.Equal(t, 7, v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestMultiplexerNoSources(t *testing.T) {
	out := make(chan int)
	assert.NoError(t, NewMultiplexer[int]().Run(context.Background(), out))
}
