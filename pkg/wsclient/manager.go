/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package wsclient maintains the long-lived upstream WebSocket connection.
package wsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/wslld/pkg/codec"
	"github.com/carverauto/wslld/pkg/logger"
	"github.com/carverauto/wslld/pkg/models"
	"github.com/gorilla/websocket"
)

// stableSession is how long a session without frames must last before the
// reconnect backoff resets.
const stableSession = 30 * time.Second

var (
	// ErrTransport covers dial, TLS, read, write and timeout failures.
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers handshake rejections and unexpected frames.
	ErrProtocol = errors.New("protocol error")

	errHandlerRequired = errors.New("frame handler is required")
	errBinaryFrame     = errors.New("unexpected binary frame")
	errHeartbeatMissed = errors.New("no inbound traffic within heartbeat timeout")
	errPongMissed      = errors.New("pong not received within pong timeout")
)

// FrameHandler receives every text frame on the read goroutine.
type FrameHandler func(ctx context.Context, frame []byte)

// StateChangeFunc is invoked on every connection state transition. err is
// the cause of a transition to Disconnected, if any.
type StateChangeFunc func(prev, curr models.ConnectionState, err error)

// Manager owns one logical upstream connection and reconnects it until its
// context is cancelled.
type Manager struct {
	cfg     Config
	backoff *Backoff
	encoder *codec.Encoder
	dialer  *websocket.Dialer
	handler FrameHandler
	logger  logger.Logger

	state             atomic.Int32
	everConnected     atomic.Bool
	attempts          atomic.Int64
	disconnectedSince atomic.Int64
	lastActivity      atomic.Int64
	lastPong          atomic.Int64

	mu        sync.Mutex
	listeners []StateChangeFunc
}

// NewManager returns a Manager for a validated config.
func NewManager(cfg Config, bo *Backoff, handler FrameHandler, log logger.Logger) (*Manager, error) {
	if handler == nil {
		return nil, errHandlerRequired
	}

	if bo == nil {
		bo = NewBackoff(DefaultBackoffConfig())
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout.Std(),
	}

	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // operator opt-in
		}
	}

	m := &Manager{
		cfg:     cfg,
		backoff: bo,
		encoder: codec.NewEncoder(cfg.Token(), cfg.Topics),
		dialer:  dialer,
		handler: handler,
		logger:  log,
	}
	m.disconnectedSince.Store(time.Now().UnixNano())

	return m, nil
}

// OnStateChange registers fn for state transitions.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	return models.ConnectionState(m.state.Load())
}

// EverConnected reports whether any handshake has succeeded.
func (m *Manager) EverConnected() bool {
	return m.everConnected.Load()
}

// Attempts returns the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int64 {
	return m.attempts.Load()
}

// DisconnectedSince returns when the connection was last lost, or the zero
// time while connected.
func (m *Manager) DisconnectedSince() time.Time {
	ns := m.disconnectedSince.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

func (m *Manager) setState(next models.ConnectionState, cause error) {
	prev := models.ConnectionState(m.state.Swap(int32(next)))
	if prev == next {
		return
	}

	switch {
	case next == models.Connected:
		m.disconnectedSince.Store(0)
	case prev == models.Connected:
		m.disconnectedSince.Store(time.Now().UnixNano())
	}

	m.mu.Lock()
	listeners := append([]StateChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next, cause)
	}
}

// Run connects and reconnects until ctx is cancelled. It only returns once
// ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(models.Disconnected, nil)

	for {
		if ctx.Err() != nil {
			return nil
		}

		m.setState(models.Connecting, nil)

		conn, err := m.connect(ctx)
		if err != nil {
			n := m.attempts.Add(1)
			m.setState(models.Disconnected, err)

			delay := m.backoff.Next()
			m.logger.Warn().
				Err(err).
				Int64("attempt", n).
				Dur("retry_in", delay).
				Msg("Upstream connection failed")

			if !sleep(ctx, delay) {
				return nil
			}

			continue
		}

		m.attempts.Store(0)
		m.everConnected.Store(true)
		m.setState(models.Connected, nil)

		m.logger.Info().Str("url", m.cfg.URL).Msg("Connected to upstream feed")

		started := time.Now()
		frames, err := m.session(ctx, conn)
		m.setState(models.Disconnected, err)

		// a session that delivered nothing and died quickly keeps climbing
		// the backoff curve
		if frames > 0 || time.Since(started) >= stableSession {
			m.backoff.Reset()
		}

		if ctx.Err() != nil {
			return nil
		}

		delay := m.backoff.Next()
		m.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Upstream connection lost")

		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) buildAuthHeaders() http.Header {
	headers := http.Header{}

	if token := m.cfg.Token(); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	return headers
}

// connect dials the upstream and sends the subscribe frame.
func (m *Manager) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, m.buildAuthHeaders())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", ErrProtocol, resp.StatusCode)
		}

		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, m.cfg.URL, err)
	}

	if m.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(int64(m.cfg.MaxMessageBytes))
	}

	if len(m.cfg.Topics) > 0 || m.cfg.Token() != "" {
		payload, err := m.encoder.Subscribe()
		if err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("%w: encode subscribe: %w", ErrProtocol, err)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.HandshakeTimeout.Std()))

		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("%w: write subscribe: %w", ErrTransport, err)
		}

		_ = conn.SetWriteDeadline(time.Time{})
	}

	return conn, nil
}

// session reads frames until the connection fails or ctx is cancelled and
// reports how many text frames it delivered.
func (m *Manager) session(ctx context.Context, conn *websocket.Conn) (int, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now().UnixNano()
	m.lastActivity.Store(now)
	m.lastPong.Store(now)

	readTimeout := m.cfg.ReadTimeout.Std()

	conn.SetPongHandler(func(string) error {
		ts := time.Now()
		m.lastPong.Store(ts.UnixNano())
		m.lastActivity.Store(ts.UnixNano())

		return conn.SetReadDeadline(ts.Add(readTimeout))
	})

	killer := &connKiller{conn: conn}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		m.keepalive(sessionCtx, conn, killer.kill)
	}()

	defer func() {
		cancel()
		wg.Wait()
		killer.kill(nil)
	}()

	frames := 0

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return frames, nil
			}

			if cause := killer.cause(); cause != nil {
				return frames, cause
			}

			return frames, classifyReadError(err)
		}

		m.lastActivity.Store(time.Now().UnixNano())

		if msgType == websocket.BinaryMessage {
			return frames, fmt.Errorf("%w: %w", ErrProtocol, errBinaryFrame)
		}

		frames++
		m.handler(ctx, data)
	}
}

// connKiller closes a connection once and remembers why.
type connKiller struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	err    error
	closed bool
}

func (k *connKiller) kill(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return
	}

	k.closed = true
	k.err = err
	_ = k.conn.Close()
}

func (k *connKiller) cause() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.err
}

// keepalive sends control pings and enforces heartbeat and pong deadlines.
func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn, kill func(error)) {
	pingInterval := m.cfg.PingInterval.Std()
	heartbeat := m.cfg.HeartbeatTimeout.Std()
	pongDeadline := pingInterval + m.cfg.PongTimeout.Std()

	tick := pingInterval
	if tick <= 0 || (heartbeat > 0 && heartbeat/2 < tick) {
		tick = heartbeat / 2
	}

	if tick <= 0 {
		<-ctx.Done()
		kill(nil)

		return
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastPing := time.Now()

	for {
		select {
		case <-ctx.Done():
			kill(nil)

			return
		case now := <-ticker.C:
			if heartbeat > 0 && now.Sub(time.Unix(0, m.lastActivity.Load())) > heartbeat {
				kill(fmt.Errorf("%w: %w", ErrTransport, errHeartbeatMissed))

				return
			}

			if pingInterval <= 0 {
				continue
			}

			if now.Sub(time.Unix(0, m.lastPong.Load())) > pongDeadline {
				kill(fmt.Errorf("%w: %w", ErrTransport, errPongMissed))

				return
			}

			if now.Sub(lastPing) < pingInterval {
				continue
			}

			lastPing = now

			if err := conn.WriteControl(websocket.PingMessage, nil, now.Add(m.cfg.PongTimeout.Std())); err != nil {
				kill(fmt.Errorf("%w: write ping: %w", ErrTransport, err))

				return
			}
		}
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			return fmt.Errorf("%w: upstream closed: %w", ErrTransport, err)
		}

		return fmt.Errorf("%w: unexpected close: %w", ErrProtocol, err)
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	return fmt.Errorf("%w: read: %w", ErrTransport, err)
}
