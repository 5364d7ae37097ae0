package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/logger"
)

var (
	// ErrSendFailed means the request could not be written to the socket,
	// even after one reconnect attempt.
	ErrSendFailed = errors.New("failed to send request")
	// ErrDisconnected is delivered to waiters when the socket drops.
	ErrDisconnected = errors.New("venue connection closed")
)

// Handler receives streamed payloads from the receive loop.
type Handler interface {
	OnTick(tick TickPayload, subscriptionID string)
	OnStreamError(err *APIError)
}

// Account is the account state learned from authorize/balance responses.
type Account struct {
	Balance     *float64       `json:"balance"`
	Currency    string         `json:"currency"`
	AccountType string         `json:"account_type"`
	LoginID     string         `json:"login_id"`
	Details     map[string]any `json:"details,omitempty"`
	Authorized  bool           `json:"authorized"`
}

type waiter struct {
	msgType string
	ch      chan result
}

type result struct {
	msg *Message
	err error
}

// Connection owns one websocket to the venue. It does not reconnect on its
// own; SendRequest makes a single reconnect attempt when the socket is down.
type Connection struct {
	cfg        config.VenueConfig
	appID      string
	token      string
	handler    Handler
	classifier Classifier
	dialer     websocket.Dialer
	log        *logger.Log

	mu        sync.Mutex // guards conn construction
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	wg        sync.WaitGroup

	nextReqID atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]*waiter
	order     []int64

	accountMu sync.RWMutex
	account   Account
}

func NewConnection(cfg config.VenueConfig, appID, token string, handler Handler, log *logger.Log) *Connection {
	if log == nil {
		log = logger.GetLogger()
	}
	if appID == "" {
		appID = cfg.AppID
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	return &Connection{
		cfg:        cfg,
		appID:      appID,
		token:      token,
		handler:    handler,
		classifier: NewClassifier(cfg.TickStreamMarkets, cfg.TickStreamPrefixes),
		dialer:     websocket.Dialer{HandshakeTimeout: handshake},
		log:        log,
		pending:    make(map[int64]*waiter),
	}
}

// SetHandler replaces the stream handler. It must be called before Connect.
func (c *Connection) SetHandler(h Handler) {
	c.handler = h
}

func (c *Connection) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid venue url: %w", err)
	}
	q := u.Query()
	if c.appID != "" {
		q.Set("app_id", c.appID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the venue, starts the receive loop and sends the
// authorization request.
func (c *Connection) Connect(ctx context.Context) error {
	log := c.log.WithComponent("feed")

	c.mu.Lock()
	if c.connected.Load() && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	endpoint, err := c.endpoint()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	log.WithFields(logger.Fields{"url": c.cfg.URL}).Info("connecting to venue websocket")
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.connected.Store(false)
		c.mu.Unlock()
		log.WithError(err).Error("failed to connect to venue websocket")
		return fmt.Errorf("dial venue: %w", err)
	}
	c.conn = conn
	c.connected.Store(true)
	c.wg.Add(1)
	go c.readLoop(conn)
	c.mu.Unlock()

	log.Info("venue websocket connected")

	auth := c.token
	if auth == "" {
		auth = c.appID
	}
	if !c.write(map[string]any{"authorize": auth}) {
		log.Error("failed to send authorization request")
	}
	return nil
}

// Connected reports whether the receive loop currently holds a live socket.
func (c *Connection) Connected() bool {
	return c.connected.Load()
}

// SendRequest serialises and transmits one request, trying a single
// reconnect first when the socket is down.
func (c *Connection) SendRequest(ctx context.Context, req map[string]any) bool {
	if !c.connected.Load() {
		if err := c.Connect(ctx); err != nil {
			return false
		}
	}
	return c.write(req)
}

func (c *Connection) write(req map[string]any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteJSON(req); err != nil {
		c.log.WithComponent("feed").WithError(err).Error("failed to send request")
		return false
	}
	return true
}

// Request sends req tagged with a fresh req_id and waits for the response of
// msgType. Responses that echo req_id resolve their own waiter and nothing
// else; a response without one resolves the oldest waiter of the same type,
// so concurrent requests of one type against a venue that drops req_id may be
// answered out of order.
func (c *Connection) Request(ctx context.Context, req map[string]any, msgType string) (*Message, error) {
	id := c.nextReqID.Add(1)
	payload := make(map[string]any, len(req)+1)
	for k, v := range req {
		payload[k] = v
	}
	payload["req_id"] = id

	w := &waiter{msgType: msgType, ch: make(chan result, 1)}
	c.pendingMu.Lock()
	c.pending[id] = w
	c.order = append(c.order, id)
	c.pendingMu.Unlock()

	if !c.SendRequest(ctx, payload) {
		c.dropWaiter(id)
		return nil, ErrSendFailed
	}

	select {
	case res := <-w.ch:
		if res.err != nil {
			return res.msg, res.err
		}
		if res.msg != nil && res.msg.Error != nil {
			return res.msg, res.msg.Error
		}
		return res.msg, nil
	case <-ctx.Done():
		c.dropWaiter(id)
		return nil, ctx.Err()
	}
}

func (c *Connection) dropWaiter(id int64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.removeLocked(id)
}

func (c *Connection) removeLocked(id int64) {
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Connection) resolve(msg *Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	id := msg.ReqID
	if id != 0 {
		// stale stream frames echo the req_id of a waiter that is gone
		if _, ok := c.pending[id]; !ok {
			return
		}
	} else {
		for _, candidate := range c.order {
			if w := c.pending[candidate]; w != nil && w.msgType == msg.MsgType {
				id = candidate
				break
			}
		}
		if id == 0 {
			return
		}
	}
	w := c.pending[id]
	c.removeLocked(id)
	w.ch <- result{msg: msg}
}

func (c *Connection) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, w := range c.pending {
		w.ch <- result{err: err}
		delete(c.pending, id)
	}
	c.order = nil
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	log := c.log.WithComponent("feed")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.connected.Store(false)
				c.conn = nil
			}
			c.mu.Unlock()
			c.failPending(ErrDisconnected)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				log.Info("venue websocket closed")
			} else {
				log.WithError(err).Warn("venue websocket connection lost")
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Connection) handleMessage(raw []byte) {
	log := c.log.WithComponent("feed")

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(err).Error("failed to decode venue message")
		return
	}

	switch msg.MsgType {
	case TypeTick:
		c.handleTick(&msg)
	case TypeActiveSymbols:
		if msg.Error == nil {
			log.WithFields(logger.Fields{"count": len(msg.ActiveSymbols)}).Info("received active symbols")
		}
	case TypeBalance:
		c.handleBalance(&msg)
	case TypeAuthorize:
		c.handleAuthorize(&msg)
	case TypeAccountDetails:
		c.handleAccountDetails(&msg)
	case TypeForget:
	default:
		if msg.Error != nil {
			log.WithFields(logger.Fields{"code": msg.Error.Code, "msg_type": msg.MsgType}).Error("venue API error: " + msg.Error.Message)
		} else {
			log.WithFields(logger.Fields{"msg_type": msg.MsgType}).Debug("unhandled venue message type")
		}
	}

	if msg.Error != nil && msg.MsgType != TypeTick {
		log.WithFields(logger.Fields{"code": msg.Error.Code, "msg_type": msg.MsgType}).Warn("venue rejected request")
	}

	c.resolve(&msg)
}

func (c *Connection) handleTick(msg *Message) {
	if msg.Error != nil {
		c.log.WithComponent("feed").WithFields(logger.Fields{"code": msg.Error.Code}).Error("tick stream error: " + msg.Error.Message)
		if c.handler != nil {
			c.handler.OnStreamError(msg.Error)
		}
		return
	}
	if msg.Tick == nil {
		return
	}
	if msg.Tick.Quote == nil {
		c.log.WithComponent("feed").Warn("tick missing quote field, skipping")
		return
	}
	subscriptionID := msg.Tick.ID
	if msg.Subscription != nil && msg.Subscription.ID != "" {
		subscriptionID = msg.Subscription.ID
	}
	if c.handler != nil {
		c.handler.OnTick(*msg.Tick, subscriptionID)
	}
}

func (c *Connection) handleBalance(msg *Message) {
	if msg.Balance == nil || msg.Balance.Balance == nil {
		c.log.WithComponent("feed").Warn("balance data structure unexpected")
		return
	}
	c.accountMu.Lock()
	v := *msg.Balance.Balance
	c.account.Balance = &v
	if msg.Balance.Currency != "" {
		c.account.Currency = msg.Balance.Currency
	}
	c.accountMu.Unlock()
	c.log.WithComponent("feed").WithFields(logger.Fields{"balance": v}).Info("account balance updated")
}

func (c *Connection) handleAuthorize(msg *Message) {
	log := c.log.WithComponent("feed")
	if msg.Error != nil {
		log.WithFields(logger.Fields{"code": msg.Error.Code}).Error("authorization failed: " + msg.Error.Message)
		return
	}
	if msg.Authorize == nil {
		log.Warn("unexpected authorization response format")
		return
	}
	a := msg.Authorize
	c.accountMu.Lock()
	if a.Balance != nil {
		v := *a.Balance
		c.account.Balance = &v
	}
	c.account.Currency = a.Currency
	c.account.AccountType = a.AccountType
	c.account.LoginID = a.LoginID
	c.account.Authorized = true
	c.accountMu.Unlock()
	log.WithFields(logger.Fields{"login_id": a.LoginID, "currency": a.Currency}).Info("authorization successful")
}

func (c *Connection) handleAccountDetails(msg *Message) {
	if len(msg.AccountDetails) == 0 {
		c.log.WithComponent("feed").Warn("no account details in response")
		return
	}
	details := map[string]any{}
	if err := json.Unmarshal(msg.AccountDetails, &details); err != nil {
		c.log.WithComponent("feed").WithError(err).Warn("failed to decode account details")
		return
	}
	c.accountMu.Lock()
	c.account.Details = details
	c.accountMu.Unlock()
}

// Account returns a copy of the known account state.
func (c *Connection) Account() Account {
	c.accountMu.RLock()
	defer c.accountMu.RUnlock()
	a := c.account
	if a.Balance != nil {
		v := *a.Balance
		a.Balance = &v
	}
	return a
}

// Balance returns the cached balance, requesting it when unknown.
func (c *Connection) Balance(ctx context.Context) (float64, error) {
	if a := c.Account(); a.Balance != nil {
		return *a.Balance, nil
	}
	msg, err := c.Request(ctx, map[string]any{"balance": 1}, TypeBalance)
	if err != nil {
		return 0, err
	}
	if msg.Balance == nil || msg.Balance.Balance == nil {
		return 0, nil
	}
	return *msg.Balance.Balance, nil
}

// ActiveSymbols fetches the venue's markets ("brief" or "full") sorted and
// tagged with tick-stream availability.
func (c *Connection) ActiveSymbols(ctx context.Context, mode string) ([]Symbol, error) {
	if mode != "full" {
		mode = "brief"
	}
	msg, err := c.Request(ctx, map[string]any{"active_symbols": mode, "product_type": "basic"}, TypeActiveSymbols)
	if err != nil {
		return nil, err
	}
	return c.classifier.Annotate(msg.ActiveSymbols), nil
}

// AccountDetails requests the detailed account record.
func (c *Connection) AccountDetails(ctx context.Context) (map[string]any, error) {
	if _, err := c.Request(ctx, map[string]any{"get_account_details": 1}, TypeAccountDetails); err != nil {
		return nil, err
	}
	return c.Account().Details, nil
}

// Close releases the socket. It is safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected.Store(false)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	c.log.WithComponent("feed").Info("venue connection closed")
}
