// Package testutils holds an in-memory quic.Stream for handler tests.
package testutils

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// MockStream reads from In and records writes to Out.
type MockStream struct {
	mu           sync.Mutex
	In           *bytes.Buffer
	Out          *bytes.Buffer
	CloseCalled  bool
	CanceledRead bool
}

func NewMockStream(in []byte) *MockStream {
	return &MockStream{
		In:  bytes.NewBuffer(in),
		Out: new(bytes.Buffer),
	}
}

func (fs *MockStream) StreamID() quic.StreamID {
	return 1
}

func (fs *MockStream) Read(p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.In.Read(p)
}

func (fs *MockStream) Write(p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Out.Write(p)
}

// Written returns a copy of everything written so far.
func (fs *MockStream) Written() []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return bytes.Clone(fs.Out.Bytes())
}

func (fs *MockStream) Closed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.CloseCalled
}

func (fs *MockStream) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.CloseCalled = true
	return nil
}

func (fs *MockStream) CancelRead(quic.StreamErrorCode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.CanceledRead = true
}

func (fs *MockStream) CancelWrite(quic.StreamErrorCode) {}

func (fs *MockStream) Context() context.Context {
	return context.Background()
}

func (fs *MockStream) SetDeadline(time.Time) error      { return nil }
func (fs *MockStream) SetReadDeadline(time.Time) error  { return nil }
func (fs *MockStream) SetWriteDeadline(time.Time) error { return nil }
