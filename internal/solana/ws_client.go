package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var errClientClosed = errors.New("websocket client closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is the first backoff step after a dropped connection.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff.
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	// SubscribeTimeout bounds the wait for a subscription id.
	SubscribeTimeout time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  15 * time.Second,
	}
}

// WSClientImpl implements WSClient over a single gorilla/websocket
// connection that is redialed with backoff when it drops.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	log      logrus.FieldLogger

	writeMu sync.Mutex // guards conn and every write to it
	conn    *websocket.Conn

	mu      sync.Mutex
	subs    map[int64]*signatureSub // by subscription id
	pending map[uint64]chan int64   // by request id, awaiting a subscription id

	nextID atomic.Uint64
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type signatureSub struct {
	signature string
	ch        chan SignatureNotification
}

// NewWSClient dials endpoint and starts the read and ping loops.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig, log logrus.FieldLogger) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &WSClientImpl{
		endpoint: endpoint,
		config:   cfg,
		log:      log.WithField("component", "solana_ws"),
		subs:     make(map[int64]*signatureSub),
		pending:  make(map[uint64]chan int64),
		done:     make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *WSClientImpl) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// SubscribeSignature registers for the confirmation of signature. The
// returned channel yields at most one notification and is then closed.
func (c *WSClientImpl) SubscribeSignature(ctx context.Context, signature string) (<-chan SignatureNotification, error) {
	subID, err := c.subscribe(ctx, signature)
	if err != nil {
		return nil, err
	}

	ch := make(chan SignatureNotification, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, errClientClosed
	}
	c.subs[subID] = &signatureSub{signature: signature, ch: ch}
	return ch, nil
}

// subscribe sends signatureSubscribe and waits for the subscription id.
func (c *WSClientImpl) subscribe(ctx context.Context, signature string) (int64, error) {
	if c.closed.Load() {
		return 0, errClientClosed
	}

	id := c.nextID.Add(1)
	waitCh := make(chan int64, 1)
	c.mu.Lock()
	c.pending[id] = waitCh
	c.mu.Unlock()
	abandon := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	err := c.write(wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "signatureSubscribe",
		Params:  []interface{}{signature, map[string]string{"commitment": CommitmentConfirmed}},
	})
	if err != nil {
		abandon()
		return 0, err
	}

	timer := time.NewTimer(c.config.SubscribeTimeout)
	defer timer.Stop()
	select {
	case subID, ok := <-waitCh:
		if !ok {
			return 0, errClientClosed
		}
		return subID, nil
	case <-timer.C:
		abandon()
		return 0, fmt.Errorf("signatureSubscribe: no reply after %s", c.config.SubscribeTimeout)
	case <-c.done:
		return 0, errClientClosed
	case <-ctx.Done():
		abandon()
		return 0, ctx.Err()
	}
}

func (c *WSClientImpl) write(req wsRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("websocket not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

// Close closes the connection and every outstanding subscription channel.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
	}
	c.writeMu.Unlock()

	c.mu.Lock()
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()

		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err == nil {
			c.dispatch(message)
			continue
		}
		if c.closed.Load() {
			return
		}
		c.log.WithError(err).Warn("websocket read failed, reconnecting")
		if !c.redial(conn) {
			return
		}
	}
}

// redial replaces the dropped connection, backing off between attempts.
// Reports false if the client was closed meanwhile.
func (c *WSClientImpl) redial(dropped *websocket.Conn) bool {
	_ = dropped.Close()

	delay := c.config.ReconnectDelay
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.writeMu.Lock()
			c.conn = conn
			c.writeMu.Unlock()
			if c.closed.Load() {
				_ = conn.Close()
				return false
			}

			// Replies arrive through this read loop, so resubscribe elsewhere.
			c.wg.Add(1)
			go c.resubscribeAll()
			return true
		}

		c.log.WithError(err).WithField("delay", delay).Warn("websocket redial failed")
		delay *= 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}

// resubscribeAll re-registers every outstanding signature on the new
// connection. A confirmation that landed while disconnected is reported by
// the node right after the resubscribe.
func (c *WSClientImpl) resubscribeAll() {
	defer c.wg.Done()

	c.mu.Lock()
	old := make(map[int64]*signatureSub, len(c.subs))
	for id, sub := range c.subs {
		old[id] = sub
	}
	c.mu.Unlock()

	for oldID, sub := range old {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		newID, err := c.subscribe(ctx, sub.signature)
		cancel()
		if err != nil {
			c.log.WithError(err).WithField("signature", sub.signature).Warn("resubscribe failed")
			continue
		}

		c.mu.Lock()
		if _, live := c.subs[oldID]; live {
			delete(c.subs, oldID)
			c.subs[newID] = sub
		}
		c.mu.Unlock()
	}
}

// dispatch routes one inbound frame: a notification, a subscribe reply or
// an error reply.
func (c *WSClientImpl) dispatch(message []byte) {
	var in wsInbound
	if err := json.Unmarshal(message, &in); err != nil {
		c.log.WithError(err).Debug("undecodable websocket frame")
		return
	}

	switch {
	case in.Method == "signatureNotification" && in.Params != nil:
		c.deliver(in.Params)
	case in.Error != nil:
		// The waiting subscribe times out on its own.
		c.log.WithFields(logrus.Fields{
			"request_id": in.ID,
			"code":       in.Error.Code,
		}).Warnf("websocket error reply: %s", in.Error.Message)
	case in.ID != 0 && len(in.Result) > 0:
		var subID int64
		if err := json.Unmarshal(in.Result, &subID); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[in.ID]
		delete(c.pending, in.ID)
		c.mu.Unlock()
		if ok {
			ch <- subID
		}
	}
}

// deliver hands the single notification of a signature subscription to its
// waiter. The node drops the subscription afterwards.
func (c *WSClientImpl) deliver(p *wsNotificationParams) {
	c.mu.Lock()
	sub, ok := c.subs[p.Subscription]
	delete(c.subs, p.Subscription)
	c.mu.Unlock()
	if !ok {
		return
	}

	n := SignatureNotification{Signature: sub.signature, Err: p.Result.Value.Err}
	if p.Result.Context != nil {
		n.Slot = p.Result.Context.Slot
	}
	sub.ch <- n
	close(sub.ch)
}

func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Debug("ping failed")
			}
			c.writeMu.Unlock()
		}
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsInbound is the union of every frame the node sends.
type wsInbound struct {
	ID     uint64                `json:"id"`
	Result json.RawMessage       `json:"result"`
	Error  *wsError              `json:"error"`
	Method string                `json:"method"`
	Params *wsNotificationParams `json:"params"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext       `json:"context"`
	Value   wsSignatureValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsSignatureValue struct {
	Err interface{} `json:"err"`
}

var _ WSClient = (*WSClientImpl)(nil)
