// Copyright 2025 James Ross

// Package transport implements the local accept loop over a Unix domain
// socket: framing enforcement, the handshake (constant-time token
// comparison, per-source rate limiting on repeated failures), and the
// session object handed to the core's dispatch loop.
package transport

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/inferd/inferd/internal/obs"
	"github.com/inferd/inferd/internal/protocol"
)

// Session is one authenticated client connection.
type Session struct {
	ID            string
	Conn          net.Conn
	MaxFrameBytes int
}

// ReadFrame reads one frame from the session, enforcing the configured cap.
func (s *Session) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(s.Conn, s.MaxFrameBytes)
}

// WriteMessage writes one message frame to the session.
func (s *Session) WriteMessage(v any) error {
	return protocol.WriteMessage(s.Conn, v)
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.Conn.Close() }

// Listener owns the Unix domain socket accept loop.
type Listener struct {
	ln            net.Listener
	handshakeTok  string
	maxFrameBytes int
	acceptTimeout time.Duration
	log           *zap.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	limitPerSecond float64
	limitBurst     int
}

// Listen binds socketPath, removing any stale socket file left over from a
// previous run.
func Listen(socketPath, handshakeToken string, maxFrameBytes int, acceptTimeout time.Duration, limitPerSecond float64, limitBurst int, log *zap.Logger) (*Listener, error) {
	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("transport: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &Listener{
		ln:             ln,
		handshakeTok:   handshakeToken,
		maxFrameBytes:  maxFrameBytes,
		acceptTimeout:  acceptTimeout,
		log:            log,
		limiters:       make(map[string]*rate.Limiter),
		limitPerSecond: limitPerSecond,
		limitBurst:     limitBurst,
	}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks for the next authenticated session. Framing enforcement and
// the handshake happen here, before the core ever sees the connection.
func (l *Listener) Accept() (*Session, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		sourceID := conn.RemoteAddr().String()
		if sourceID == "" || sourceID == "@" {
			sourceID = fmt.Sprintf("%p", conn)
		}
		if !l.allow(sourceID) {
			obs.HandshakeRateLimited.Inc()
			conn.Close()
			continue
		}
		if l.acceptTimeout > 0 {
			conn.SetDeadline(time.Now().Add(l.acceptTimeout))
		}
		sess, err := l.handshake(conn)
		if err != nil {
			l.log.Debug("handshake failed", zap.Error(err))
			obs.FramesRejected.WithLabelValues("handshake_failed").Inc()
			conn.Close()
			continue
		}
		conn.SetDeadline(time.Time{})
		return sess, nil
	}
}

func (l *Listener) allow(sourceID string) bool {
	l.limMu.Lock()
	defer l.limMu.Unlock()
	lim, ok := l.limiters[sourceID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.limitPerSecond), l.limitBurst)
		l.limiters[sourceID] = lim
	}
	return lim.Allow()
}

func (l *Listener) handshake(conn net.Conn) (*Session, error) {
	frame, err := protocol.ReadFrame(conn, l.maxFrameBytes)
	if err != nil {
		return nil, err
	}
	kind, err := protocol.PeekType(frame)
	if err != nil {
		return nil, err
	}
	if kind != protocol.KindHandshake {
		return nil, errors.New("transport: expected handshake")
	}
	var hs protocol.Handshake
	if err := unmarshalJSON(frame, &hs); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(hs.Token), []byte(l.handshakeTok)) != 1 {
		return nil, errors.New("transport: handshake token mismatch")
	}
	sessionID := newSessionID()
	ack := protocol.HandshakeAck{Type: protocol.KindHandshakeAck, SessionID: sessionID, ProtocolVersion: hs.ProtocolVersion}
	if err := protocol.WriteMessage(conn, ack); err != nil {
		return nil, err
	}
	return &Session{ID: sessionID, Conn: conn, MaxFrameBytes: l.maxFrameBytes}, nil
}
