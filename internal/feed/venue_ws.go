// Package feed maintains the venue WebSocket connection and translates wire
// messages into domain books, trade prints, book events and fills.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantarb/execbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TradeHandler is called for every trade print received on the feed.
type TradeHandler func(domain.TradePrint)

// BookEventHandler is called for every add/cancel event received on the feed.
type BookEventHandler func(domain.BookEvent)

// VenueFeed subscribes to book, trade and fill channels for a set of
// instruments and keeps the latest raw book per instrument. It implements
// domain.BookSource from that local copy and domain.FillSource from the fill
// channel, reconnecting with exponential backoff on disconnect.
type VenueFeed struct {
	wsURL       string
	instruments []string
	logger      *slog.Logger

	onTrade TradeHandler
	onEvent BookEventHandler

	mu    sync.RWMutex
	books map[string]domain.RawOrderBook

	fills     chan domain.Fill
	fillsOnce sync.Once
}

// NewVenueFeed creates a feed for the given endpoint and instruments.
func NewVenueFeed(wsURL string, instruments []string, onTrade TradeHandler, onEvent BookEventHandler, logger *slog.Logger) *VenueFeed {
	return &VenueFeed{
		wsURL:       wsURL,
		instruments: instruments,
		onTrade:     onTrade,
		onEvent:     onEvent,
		logger:      logger.With(slog.String("component", "venue_feed")),
		books:       make(map[string]domain.RawOrderBook),
		fills:       make(chan domain.Fill, 256),
	}
}

// Snapshot returns the latest raw book received for the instrument. A book
// never seen on the feed returns domain.ErrNotFound; staleness is judged
// downstream by the analyzer.
func (f *VenueFeed) Snapshot(ctx context.Context, instrument string) (domain.RawOrderBook, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	book, ok := f.books[instrument]
	if !ok {
		return domain.RawOrderBook{}, domain.ErrNotFound
	}
	return book, nil
}

// Fills returns the venue fill stream. The channel is closed when the feed
// shuts down.
func (f *VenueFeed) Fills(ctx context.Context) (<-chan domain.Fill, error) {
	return f.fills, nil
}

// Run connects, subscribes, and dispatches messages until ctx is cancelled.
// Disconnects trigger reconnection with exponential backoff.
func (f *VenueFeed) Run(ctx context.Context) error {
	if len(f.instruments) == 0 {
		f.logger.Info("no instruments to subscribe, exiting")
		return nil
	}
	defer f.fillsOnce.Do(func() { close(f.fills) })

	delay := reconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("venue feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *VenueFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for _, ch := range []string{"book", "trade", "book_event", "fill"} {
		cmd := wsCommand{Type: "subscribe", Channel: ch, Instruments: f.instruments}
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("feed: marshal subscribe: %w", err)
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("feed: subscribe to %s: %w", ch, err)
		}
	}
	f.logger.Info("venue feed subscribed", slog.Int("instruments", len(f.instruments)))

	// Ping loop and context watchdog; closing the conn unblocks ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(message)
	}
}

// handleMessage routes a raw message by its event type. Unparseable messages
// are dropped silently; a malformed message must never take down the feed.
func (f *VenueFeed) handleMessage(raw []byte) {
	var envelope struct {
		Event string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Event {
	case "book":
		var msg bookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		book := msg.toDomain()
		f.mu.Lock()
		f.books[book.Instrument] = book
		f.mu.Unlock()

	case "trade":
		var msg tradeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if f.onTrade != nil {
			f.onTrade(msg.toDomain())
		}

	case "book_event":
		var msg bookEventMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if f.onEvent != nil {
			f.onEvent(msg.toDomain())
		}

	case "fill":
		var msg fillMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		select {
		case f.fills <- msg.toDomain():
		default:
			f.logger.Warn("fill channel full, dropping",
				slog.String("instrument", msg.Instrument),
				slog.Int64("venue_seq", msg.VenueSeq),
			)
		}
	}
}

// Compile-time interface checks.
var (
	_ domain.BookSource = (*VenueFeed)(nil)
	_ domain.FillSource = (*VenueFeed)(nil)
)

// --------------------------------------------------------------------------
// Wire types. The venue encodes prices and sizes as decimal strings.
// --------------------------------------------------------------------------

type wsCommand struct {
	Type        string   `json:"type"`
	Channel     string   `json:"channel"`
	Instruments []string `json:"instruments"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func parseLevels(in []wireLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, lvl := range in {
		price, err1 := strconv.ParseFloat(lvl.Price, 64)
		size, err2 := strconv.ParseFloat(lvl.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

func parseWireTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

type bookMessage struct {
	Instrument string      `json:"instrument"`
	Bids       []wireLevel `json:"bids"`
	Asks       []wireLevel `json:"asks"`
	TimestampM int64       `json:"timestamp"`
}

func (m bookMessage) toDomain() domain.RawOrderBook {
	return domain.RawOrderBook{
		Instrument: m.Instrument,
		Bids:       parseLevels(m.Bids),
		Asks:       parseLevels(m.Asks),
		Timestamp:  parseWireTime(m.TimestampM),
	}
}

type tradeMessage struct {
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	TimestampM int64  `json:"timestamp"`
}

func (m tradeMessage) toDomain() domain.TradePrint {
	price, _ := strconv.ParseFloat(m.Price, 64)
	size, _ := strconv.ParseFloat(m.Size, 64)
	return domain.TradePrint{
		Instrument: m.Instrument,
		Side:       parseSide(m.Side),
		Price:      price,
		Size:       size,
		Timestamp:  parseWireTime(m.TimestampM),
	}
}

type bookEventMessage struct {
	Instrument string `json:"instrument"`
	Change     string `json:"change"` // "add" or "cancel"
	Side       string `json:"side"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	TopOfBook  bool   `json:"top_of_book"`
	TimestampM int64  `json:"timestamp"`
}

func (m bookEventMessage) toDomain() domain.BookEvent {
	price, _ := strconv.ParseFloat(m.Price, 64)
	size, _ := strconv.ParseFloat(m.Size, 64)
	typ := domain.BookEventAdd
	if m.Change == "cancel" {
		typ = domain.BookEventCancel
	}
	return domain.BookEvent{
		Instrument: m.Instrument,
		Type:       typ,
		Side:       parseSide(m.Side),
		Price:      price,
		Size:       size,
		TopOfBook:  m.TopOfBook,
		Timestamp:  parseWireTime(m.TimestampM),
	}
}

type fillMessage struct {
	ID         string `json:"id"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	VenueSeq   int64  `json:"venue_seq"`
	TimestampM int64  `json:"timestamp"`
}

func (m fillMessage) toDomain() domain.Fill {
	price, _ := strconv.ParseFloat(m.Price, 64)
	size, _ := strconv.ParseFloat(m.Size, 64)
	qty := size
	if parseSide(m.Side) == domain.SideSell {
		qty = -size
	}
	return domain.Fill{
		ID:         m.ID,
		Instrument: m.Instrument,
		SignedQty:  qty,
		Price:      price,
		VenueSeq:   m.VenueSeq,
		Timestamp:  parseWireTime(m.TimestampM),
	}
}

func parseSide(s string) domain.Side {
	switch s {
	case "sell", "SELL", "ask":
		return domain.SideSell
	default:
		return domain.SideBuy
	}
}
