// Package pricefeed tracks the native asset's USD reference price used to
// annotate quotes with an estimated gas cost.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Static is a fixed price for tests and offline runs.
type Static float64

func (s Static) NativeUSD() float64 { return float64(s) }

type tickerMsg struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	TS     int64  `json:"t"`
}

// WS subscribes to a JSON ticker stream and keeps the last seen price.
// NativeUSD never blocks; before the first tick it returns the fallback.
type WS struct {
	log      *zap.Logger
	url      string
	symbol   string
	fallback float64
	dialer   *websocket.Dialer

	mu      sync.RWMutex
	price   float64
	updated time.Time

	conn *websocket.Conn
}

func NewWS(log *zap.Logger, url, symbol string, fallback float64) *WS {
	return &WS{
		log:      log,
		url:      strings.TrimRight(url, "/"),
		symbol:   strings.ToUpper(symbol),
		fallback: fallback,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  15 * time.Second,
			EnableCompression: true,
		},
	}
}

func (w *WS) NativeUSD() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.price > 0 {
		return w.price
	}
	return w.fallback
}

// Run connects, subscribes and consumes ticks until ctx is done,
// redialing with a flat backoff on any connection error.
func (w *WS) Run(ctx context.Context) {
	for {
		if err := w.stream(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("price feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (w *WS) stream(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	w.conn = conn
	defer conn.Close()

	sub := struct {
		ID     int      `json:"id"`
		Method string   `json:"method"`
		Params []string `json:"params"`
	}{ID: 1, Method: "SUBSCRIPTION", Params: []string{"ticker@" + w.symbol}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingStop:
				return
			case <-t.C:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"PING"}`))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		var msg tickerMsg
		if json.Unmarshal(data, &msg) != nil || msg.Symbol != w.symbol {
			continue
		}
		p, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil || p <= 0 {
			continue
		}

		w.mu.Lock()
		w.price = p
		w.updated = time.UnixMilli(msg.TS)
		w.mu.Unlock()
	}
}
