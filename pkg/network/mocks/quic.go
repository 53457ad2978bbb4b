// Package mocks provides testify mocks of the quic-go connection and stream
// interfaces.
package mocks

import (
	"context"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/mock"
)

// QuicConnection mocks quic.Connection.
type QuicConnection struct {
	mock.Mock
}

func (m *QuicConnection) AcceptStream(ctx context.Context) (quic.Stream, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(quic.Stream)
	return s, args.Error(1)
}

func (m *QuicConnection) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(quic.ReceiveStream)
	return s, args.Error(1)
}

func (m *QuicConnection) OpenStream() (quic.Stream, error) {
	args := m.Called()
	s, _ := args.Get(0).(quic.Stream)
	return s, args.Error(1)
}

func (m *QuicConnection) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(quic.Stream)
	return s, args.Error(1)
}

func (m *QuicConnection) OpenUniStream() (quic.SendStream, error) {
	args := m.Called()
	s, _ := args.Get(0).(quic.SendStream)
	return s, args.Error(1)
}

func (m *QuicConnection) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(quic.SendStream)
	return s, args.Error(1)
}

func (m *QuicConnection) LocalAddr() net.Addr {
	return m.Called().Get(0).(net.Addr)
}

func (m *QuicConnection) RemoteAddr() net.Addr {
	return m.Called().Get(0).(net.Addr)
}

func (m *QuicConnection) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	return m.Called(code, reason).Error(0)
}

func (m *QuicConnection) ConnectionState() quic.ConnectionState {
	return m.Called().Get(0).(quic.ConnectionState)
}

func (m *QuicConnection) Context() context.Context {
	return m.Called().Get(0).(context.Context)
}

func (m *QuicConnection) SendDatagram(b []byte) error {
	return m.Called(b).Error(0)
}

func (m *QuicConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

// QuicStream mocks quic.Stream.
type QuicStream struct {
	mock.Mock
}

func (m *QuicStream) Read(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *QuicStream) Write(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *QuicStream) Close() error {
	return m.Called().Error(0)
}

func (m *QuicStream) CancelRead(code quic.StreamErrorCode) {
	m.Called(code)
}

func (m *QuicStream) CancelWrite(code quic.StreamErrorCode) {
	m.Called(code)
}

func (m *QuicStream) SetReadDeadline(t time.Time) error {
	return m.Called(t).Error(0)
}

func (m *QuicStream) SetWriteDeadline(t time.Time) error {
	return m.Called(t).Error(0)
}

func (m *QuicStream) SetDeadline(t time.Time) error {
	return m.Called(t).Error(0)
}

func (m *QuicStream) StreamID() quic.StreamID {
	return quic.StreamID(0)
}

func (m *QuicStream) Context() context.Context {
	return context.Background()
}
