package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream wire protocol constants.
const (
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 20 * time.Second
	streamReadLimit    = 5 << 20

	// ltpPacketSize is one binary tick: instrument token (4 bytes, big
	// endian) followed by last price in paise (4 bytes).
	ltpPacketSize = 8
)

// StreamClient maintains the push websocket: binary frames carry tick
// packets, text frames carry JSON order postbacks. Callbacks run on the read
// path and must hand off quickly; the feed layer buffers behind them.
type StreamClient struct {
	wsURL       string
	apiKey      string
	accessToken string
	logger      *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	send      chan []byte
	connected bool

	onTick        func(Tick)
	onOrderUpdate func(OrderUpdate)
}

// Ensure StreamClient implements Stream at compile time.
var _ Stream = (*StreamClient)(nil)

// NewStreamClient creates a push-feed client. Credentials are passed as
// query parameters on the websocket dial.
func NewStreamClient(wsURL, apiKey, accessToken string, logger *log.Logger) *StreamClient {
	if wsURL == "" {
		wsURL = "wss://ws.kite.trade"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &StreamClient{
		wsURL:       wsURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		logger:      logger,
	}
}

// Connect dials the push endpoint and subscribes to tokens. It returns once
// the connection is established; pumps run until Disconnect or a read error.
func (s *StreamClient) Connect(ctx context.Context, tokens []uint32, onTick func(Tick), onOrderUpdate func(OrderUpdate)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	u, err := url.Parse(s.wsURL)
	if err != nil {
		return fmt.Errorf("parsing ws endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api_key", s.apiKey)
	q.Set("access_token", s.accessToken)
	u.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 403 {
			return &CredentialsExpiredError{Message: "push connection refused"}
		}
		return fmt.Errorf("dialing push feed: %w", err)
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.send = make(chan []byte, 256)
	s.onTick = onTick
	s.onOrderUpdate = onOrderUpdate
	s.connected = true

	go s.readPump(conn, s.done)
	go s.writePump(conn, s.done, s.send)

	if len(tokens) > 0 {
		if err := s.enqueueLocked(subscribeMessage("subscribe", tokens)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe adds tokens to the live subscription.
func (s *StreamClient) Subscribe(tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("push feed not connected")
	}
	return s.enqueueLocked(subscribeMessage("subscribe", tokens))
}

// Unsubscribe removes tokens from the live subscription.
func (s *StreamClient) Unsubscribe(tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("push feed not connected")
	}
	return s.enqueueLocked(subscribeMessage("unsubscribe", tokens))
}

// Disconnect closes the connection. Idempotent.
func (s *StreamClient) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	close(s.done)
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Connected reports whether the connection is currently up.
func (s *StreamClient) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *StreamClient) enqueueLocked(msg []byte) error {
	select {
	case s.send <- msg:
		return nil
	default:
		return fmt.Errorf("push feed send queue full")
	}
}

func subscribeMessage(action string, tokens []uint32) []byte {
	msg, _ := json.Marshal(map[string]interface{}{"a": action, "v": tokens})
	return msg
}

func (s *StreamClient) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// markDisconnected flips state when the read pump dies so the supervisor's
// next tick reconnects.
func (s *StreamClient) markDisconnected(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return // already replaced by a newer connection
	}
	if s.connected {
		s.connected = false
		close(s.done)
	}
	_ = conn.Close()
	s.conn = nil
}

func (s *StreamClient) writePump(conn *websocket.Conn, done chan struct{}, send chan []byte) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logf("push feed write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *StreamClient) readPump(conn *websocket.Conn, done chan struct{}) {
	defer s.markDisconnected(conn)

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		select {
		case <-done:
			return
		default:
		}
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done: // deliberate close, not an error
			default:
				s.logf("push feed read failed: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			s.handleBinary(message)
		case websocket.TextMessage:
			s.handleText(message)
		}
	}
}

// handleBinary parses a tick frame: uint16 packet count, then per packet a
// uint16 length followed by the packet body. LTP-mode bodies are 8 bytes.
func (s *StreamClient) handleBinary(frame []byte) {
	if len(frame) < 2 || s.onTick == nil {
		return
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	offset := 2
	now := time.Now()
	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			return
		}
		pktLen := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2
		if offset+pktLen > len(frame) || pktLen < ltpPacketSize {
			return
		}
		pkt := frame[offset : offset+pktLen]
		offset += pktLen

		token := binary.BigEndian.Uint32(pkt[0:4])
		// Price arrives in paise.
		price := float64(int32(binary.BigEndian.Uint32(pkt[4:8]))) / 100
		s.onTick(Tick{InstrumentToken: token, LastPrice: price, Timestamp: now})
	}
}

// handleText parses JSON postbacks; only order updates are acted on.
func (s *StreamClient) handleText(message []byte) {
	var postback struct {
		Type string `json:"type"`
		Data struct {
			OrderID         string  `json:"order_id"`
			Status          string  `json:"status"`
			TradingSymbol   string  `json:"tradingsymbol"`
			InstrumentToken uint32  `json:"instrument_token"`
			FilledQuantity  int     `json:"filled_quantity"`
			AveragePrice    float64 `json:"average_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &postback); err != nil {
		s.logf("push feed: undecodable text frame: %v", err)
		return
	}
	if postback.Type != "order" || s.onOrderUpdate == nil {
		return
	}
	s.onOrderUpdate(OrderUpdate{
		OrderID:         postback.Data.OrderID,
		Status:          postback.Data.Status,
		TradingSymbol:   postback.Data.TradingSymbol,
		InstrumentToken: postback.Data.InstrumentToken,
		FilledQuantity:  postback.Data.FilledQuantity,
		AveragePrice:    postback.Data.AveragePrice,
		Timestamp:       time.Now(),
	})
}
