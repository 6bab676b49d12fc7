// Package connectiontest provides in-memory provider streams for tests.
package connectiontest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"tinvest-stream/internal/provider"
	"tinvest-stream/internal/services/connection"
)

// ErrDialRefused is returned by a FakeDialer while it has failures left
var ErrDialRefused = errors.New("dial refused")

// Stream is an in-memory connection.Stream
type Stream struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	sent       []provider.Request
	sendErr    error
	halfClosed bool
}

func NewStream() *Stream {
	return &Stream{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *Stream) Send(_ context.Context, req provider.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *Stream) Recv() ([]byte, error) {
	select {
	case raw, ok := <-s.in:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-s.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (s *Stream) CloseSend() error {
	s.mu.Lock()
	s.halfClosed = true
	s.mu.Unlock()
	return nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Push delivers a raw frame to the reader
func (s *Stream) Push(raw string) {
	s.in <- []byte(raw)
}

// PushJSON delivers v encoded as JSON
func (s *Stream) PushJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.in <- raw
}

// EndOfStream makes the reader observe an orderly close
func (s *Stream) EndOfStream() {
	close(s.in)
}

// Break makes the reader observe a transport failure
func (s *Stream) Break() {
	_ = s.Close()
}

// FailSends makes subsequent sends return err
func (s *Stream) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Sent returns the requests written so far
func (s *Stream) Sent() []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Request, len(s.sent))
	copy(out, s.sent)
	return out
}

// HalfClosed reports whether CloseSend was called
func (s *Stream) HalfClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halfClosed
}

// IsClosed reports whether Close was called
func (s *Stream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out Streams and can be told to refuse dials
type Dialer struct {
	mu       sync.Mutex
	failures int
	refuse   bool
	attempts int
	streams  []*Stream
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context) (connection.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	if d.refuse {
		return nil, ErrDialRefused
	}
	if d.failures > 0 {
		d.failures--
		return nil, ErrDialRefused
	}
	s := NewStream()
	d.streams = append(d.streams, s)
	return s, nil
}

// FailNext makes the next n dials fail
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

// Refuse makes every dial fail until called with false
func (d *Dialer) Refuse(refuse bool) {
	d.mu.Lock()
	d.refuse = refuse
	d.mu.Unlock()
}

// Attempts returns the number of dials so far
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Streams returns every stream handed out, oldest first
func (d *Dialer) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Stream, len(d.streams))
	copy(out, d.streams)
	return out
}

// Last returns the most recent stream or nil
func (d *Dialer) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

var _ connection.Dialer = (*Dialer)(nil)
var _ connection.Stream = (*Stream)(nil)
