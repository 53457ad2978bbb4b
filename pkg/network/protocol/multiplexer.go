package protocol

import (
	"context"
	"reflect"
)

// Multiplexer merges several inbound channels into one. Sources are visited
// round-robin so a busy stream kind cannot starve the others.
type Multiplexer[T any] struct {
	sources []<-chan T
}

func NewMultiplexer[T any](sources ...<-chan T) *Multiplexer[T] {
	return &Multiplexer[T]{sources: sources}
}

// Run forwards values to out until every source is closed or ctx is done.
func (m *Multiplexer[T]) Run(ctx context.Context, out chan<- T) error {
	sources := append([]<-chan T(nil), m.sources...)
	open := 0
	for _, s := range sources {
		if s != nil {
			open++
		}
	}

	next := 0
	for open > 0 {
		v, idx, ok, done := m.poll(ctx, sources, next)
		if done {
			return nil
		}
		if !ok {
			sources[idx] = nil
			open--
			continue
		}
		next = (idx + 1) % len(sources)

		select {
		case out <- v:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// poll returns the first ready value starting at source start, blocking
// until one arrives when none is ready.
func (m *Multiplexer[T]) poll(ctx context.Context, sources []<-chan T, start int) (v T, idx int, ok, done bool) {
	for i := range sources {
		idx = (start + i) % len(sources)
		if sources[idx] == nil {
			continue
		}
		select {
		case v, ok = <-sources[idx]:
			return v, idx, ok, false
		default:
		}
	}

	cases := make([]reflect.SelectCase, 0, len(sources)+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for _, s := range sources {
		c := reflect.SelectCase{Dir: reflect.SelectRecv}
		if s != nil {
			c.Chan = reflect.ValueOf(s)
		}
		cases = append(cases, c)
	}
	chosen, recv, recvOK := reflect.Select(cases)
	if chosen == 0 {
		return v, 0, false, true
	}
	if recvOK {
		v = recv.Interface().(T)
	}
	return v, chosen - 1, recvOK, false
}
