package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"datacollector/logger"
)

const (
	defaultKeepAlive   = 20 * time.Second
	defaultReadTimeout = 90 * time.Second
	writeTimeout       = 5 * time.Second
)

// SocketOptions configure a streaming connection.
type SocketOptions struct {
	KeepAlive   time.Duration
	ReadTimeout time.Duration
	// PingMessage, when set, is sent as a text frame instead of a protocol ping.
	PingMessage []byte
	OnMessage   func([]byte)
	// OnError runs in its own goroutine when the read loop fails.
	OnError func(context.Context, error)
	Log     *logger.Entry
}

// Socket is one websocket connection with a read loop and keepalive pings.
// It never redials itself: once closed the owner opens a new one.
type Socket struct {
	url    string
	conn   *websocket.Conn
	opts   SocketOptions
	parent context.Context
	cancel context.CancelFunc
	log    *logger.Entry

	writeMu  sync.Mutex
	closed   atomic.Bool
	closing  atomic.Bool
	lastRead atomic.Int64
	done     chan struct{}
}

// DialSocket connects to url and starts the read and ping loops. The socket
// is closed when ctx is cancelled.
func DialSocket(ctx context.Context, url string, opts SocketOptions) (*Socket, error) {
	if opts.Log == nil {
		opts.Log = logger.GetLogger().WithComponent("socket")
	}
	opts.KeepAlive = durationOr(opts.KeepAlive, defaultKeepAlive)
	opts.ReadTimeout = durationOr(opts.ReadTimeout, defaultReadTimeout)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	sockCtx, cancel := context.WithCancel(ctx)
	s := &Socket{
		url:    url,
		conn:   conn,
		opts:   opts,
		parent: ctx,
		cancel: cancel,
		log:    opts.Log.WithFields(logger.Fields{"url": url}),
		done:   make(chan struct{}),
	}
	s.lastRead.Store(time.Now().UnixNano())

	go s.readLoop()
	go s.pingLoop(sockCtx)
	go func() {
		<-sockCtx.Done()
		_ = s.Close()
	}()

	s.log.Info("websocket connected")
	return s, nil
}

// WriteJSON sends v as a JSON text frame.
func (s *Socket) WriteJSON(v interface{}) error {
	if s.closed.Load() {
		return errors.New("websocket closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// CheckReconnect closes a connection that has been silent for longer than
// its read timeout so the owner's reconnect pass replaces it.
func (s *Socket) CheckReconnect() {
	if s.closed.Load() {
		return
	}
	silent := time.Since(time.Unix(0, s.lastRead.Load()))
	if silent > s.opts.ReadTimeout {
		s.log.WithFields(logger.Fields{"silent_for": silent.String()}).Warn("websocket stale, closing")
		_ = s.Close()
	}
}

// Close tears the connection down. Calling it again is a no-op.
func (s *Socket) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.closed.Store(true)
	<-s.done
	return err
}

func (s *Socket) readLoop() {
	defer close(s.done)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.closed.Store(true)
			if !s.closing.CompareAndSwap(false, true) {
				return
			}
			// peer side close: release the connection and the ctx watcher
			_ = s.conn.Close()
			s.cancel()
			s.log.WithError(err).Warn("websocket read loop ended")
			if s.opts.OnError != nil {
				go s.opts.OnError(s.parent, err)
			}
			return
		}
		s.lastRead.Store(time.Now().UnixNano())
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(msg)
		}
	}
}

func (s *Socket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			var err error
			if s.opts.PingMessage != nil {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err = s.conn.WriteMessage(websocket.TextMessage, s.opts.PingMessage)
			} else {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			s.writeMu.Unlock()
			if err != nil {
				s.log.WithError(err).Warn("failed to send websocket ping")
				// unblocks the read loop, which finishes the teardown
				_ = s.conn.Close()
				return
			}
		}
	}
}
