package market

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"market-intel-backend/internal/logging"
)

// BarHandler receives each bar read from the stream.
type BarHandler func(Bar)

// Stream consumes a websocket feed of closed bars and hands them to the
// handler (normally Cache.Append plus a detector kick). Disconnects are
// retried with capped exponential backoff until the context is done.
type Stream struct {
	url     string
	handler BarHandler
	log     *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// streamEvent is the wire shape of one feed message.
type streamEvent struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Ts        int64   `json:"ts"` // unix milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

// NewStream creates a stream against url delivering bars to handler.
func NewStream(url string, handler BarHandler, log *logging.Logger) *Stream {
	return &Stream{
		url:     url,
		handler: handler,
		log:     log.WithComponent("bar-stream"),
	}
}

// Start launches the read loop. Safe to call once.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the read loop and waits for it to exit.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	reconnectDelay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.Warn("stream dial failed", "url", s.url, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			if reconnectDelay < 30*time.Second {
				reconnectDelay *= 2
			}
			continue
		}

		s.log.Info("stream connected", "url", s.url)
		reconnectDelay = time.Second

		s.readLoop(ctx, conn)
		conn.Close()
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock the blocking read when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("stream read failed, reconnecting", "error", err)
			}
			return
		}

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Debug("unparseable stream message", "error", err)
			continue
		}
		// Only closed bars enter the series; partial updates would break
		// the strictly-increasing ts invariant.
		if !ev.Closed {
			continue
		}

		s.handler(Bar{
			Symbol:    ev.Symbol,
			Timeframe: ev.Timeframe,
			Ts:        time.UnixMilli(ev.Ts),
			Open:      ev.Open,
			High:      ev.High,
			Low:       ev.Low,
			Close:     ev.Close,
			Volume:    ev.Volume,
		})
	}
}
