package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tinvest-stream/internal/provider"
)

// ErrRateLimited is returned when the provider rejects a handshake or request
// for exceeding its request ceiling
var ErrRateLimited = errors.New("provider rate limit exceeded")

// resourceExhausted is the gRPC status code the bridge reports for rate limiting
const resourceExhausted = 8

// Stream is one open duplex stream to the provider
type Stream interface {
	// Send writes one request. Safe for concurrent use.
	Send(ctx context.Context, req provider.Request) error
	// Recv blocks for the next frame. io.EOF signals an orderly close.
	Recv() ([]byte, error)
	// CloseSend half-closes the outbound direction
	CloseSend() error
	Close() error
}

// Dialer opens provider streams
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// WebsocketDialer opens streams over the provider's websocket bridge
type WebsocketDialer struct {
	URL              string
	Token            string
	AppName          string
	ProxyURL         string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Stream, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{"json"},
		Proxy:            http.ProxyFromEnvironment,
	}
	if d.ProxyURL != "" {
		parsedURL, err := url.Parse(d.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %s: %w", d.ProxyURL, err)
		}
		dialer.Proxy = http.ProxyURL(parsedURL)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.Token)
	if d.AppName != "" {
		header.Set("x-app-name", d.AppName)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				return nil, fmt.Errorf("handshake: %w", ErrRateLimited)
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("handshake rejected with %d: %w", resp.StatusCode, err)
			}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}

	s := &wsStream{
		conn:        conn,
		readTimeout: d.ReadTimeout,
		done:        make(chan struct{}),
	}
	s.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	if d.PingInterval > 0 {
		go s.pingLoop(d.PingInterval)
	}
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsStream) Send(ctx context.Context, req provider.Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(req)
}

func (s *wsStream) Recv() ([]byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		s.extendReadDeadline()
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) extendReadDeadline() {
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
}

func (s *wsStream) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
