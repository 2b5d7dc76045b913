package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"binance-grid-bot-go/internal/config"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	streamURL        = "wss://stream.binance.com:9443/ws"
	testnetStreamURL = "wss://stream.testnet.binance.vision/ws"
	reconnectDelay   = 3 * time.Second

	// Binance pings every 20s, so a minute of silence means the connection is dead.
	defaultReadTimeout = time.Minute
	pongWait           = 10 * time.Second
)

// Tick is one public trade of the subscribed symbol.
type Tick struct {
	Symbol   string
	TradeID  int64
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
}

// tradeEvent is the raw <symbol>@trade payload.
type tradeEvent struct {
	EventType string          `json:"e"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"t"`
	Price     decimal.Decimal `json:"p"`
	Quantity  decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
}

// Subscription is a live trade stream. Close stops it and waits for the reader to exit.
type Subscription interface {
	Close()
	Done() <-chan struct{}
}

// Streamer opens Binance trade streams over websocket.
type Streamer struct {
	url         string
	dialer      *websocket.Dialer
	logger      *zap.Logger
	readTimeout time.Duration
}

func NewStreamer(cfg *config.Binance, logger *zap.Logger) *Streamer {
	url := cfg.StreamURL
	if url == "" {
		if cfg.Testnet {
			url = testnetStreamURL
		} else {
			url = streamURL
		}
	}
	return &Streamer{
		url:         strings.TrimRight(url, "/"),
		dialer:      websocket.DefaultDialer,
		logger:      logger.Named("stream"),
		readTimeout: defaultReadTimeout,
	}
}

type tradeSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *tradeSubscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *tradeSubscription) Done() <-chan struct{} {
	return s.done
}

// SubscribeTrades connects to the trade stream of symbol and calls onTick for every trade.
// onTick runs on the reader goroutine; callers that do heavy work should hand off.
// The first dial is synchronous so a bad symbol or url fails fast; later drops reconnect.
func (s *Streamer) SubscribeTrades(ctx context.Context, symbol string, onTick func(Tick)) (Subscription, error) {
	endpoint := fmt.Sprintf("%s/%s@trade", s.url, strings.ToLower(symbol))
	log := s.logger.With(zap.String("symbol", symbol))

	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect trade stream %s: %w", symbol, err)
	}
	log.Info("Trade stream connected", zap.String("url", endpoint))

	subCtx, cancel := context.WithCancel(ctx)
	sub := &tradeSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for {
			s.readLoop(subCtx, conn, onTick, log)
			if subCtx.Err() != nil {
				return
			}

			conn = s.redial(subCtx, endpoint, log)
			if conn == nil {
				return
			}
		}
	}()

	return sub, nil
}

// readLoop delivers ticks until the connection fails or ctx is cancelled.
func (s *Streamer) readLoop(ctx context.Context, conn *websocket.Conn, onTick func(Tick), log *zap.Logger) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = conn.Close()
	}()

	timeout := s.readTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(pongWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Trade stream read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))

		var event tradeEvent
		if err := json.Unmarshal(message, &event); err != nil || event.EventType != "trade" {
			continue
		}

		onTick(Tick{
			Symbol:   event.Symbol,
			TradeID:  event.TradeID,
			Price:    event.Price,
			Quantity: event.Quantity,
			Time:     time.UnixMilli(event.TradeTime),
		})
	}
}

func (s *Streamer) redial(ctx context.Context, endpoint string, log *zap.Logger) *websocket.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}

		conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			log.Warn("Trade stream reconnect failed", zap.Error(err))
			continue
		}
		log.Info("Trade stream reconnected")
		return conn
	}
}
