package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// LineTransport is the framing layer the correlator drives: one writer
// path, one line stream, both owned by a single connection.
type LineTransport interface {
	WriteLine(ctx context.Context, line []byte) error
	Lines() <-chan []byte
	Close() error
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Correlator turns the transport's interleaved line stream into matched
// request/response pairs plus a notification stream. Request IDs are
// monotonic for the life of the connection and never reused.
type Correlator struct {
	transport LineTransport
	logger    *zap.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan callResult

	notifications chan domain.Notification

	closeOnce sync.Once
	closed    chan struct{}
}

func NewCorrelator(transport LineTransport, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Correlator{
		transport:     transport,
		logger:        logger,
		pending:       make(map[int64]chan callResult),
		notifications: make(chan domain.Notification, 16),
		closed:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends one request and blocks until its response arrives or ctx ends.
// The pending entry is removed before Call returns, whatever the outcome.
func (c *Correlator) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}

	seq := c.nextID.Add(1)
	id, err := jsonrpc.MakeID(float64(seq))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	req := &jsonrpc.Request{
		ID:     id,
		Method: method,
		Params: params,
	}
	wire, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[seq] = resultCh
	c.mu.Unlock()

	if err := c.transport.WriteLine(ctx, wire); err != nil {
		c.removePending(seq)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		return result.result, nil
	case <-ctx.Done():
		c.removePending(seq)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget message with no ID.
func (c *Correlator) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	req := &jsonrpc.Request{
		Method: method,
		Params: params,
	}
	wire, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := c.transport.WriteLine(ctx, wire); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Notifications returns the unsolicited-message stream. The channel closes
// when the connection closes.
func (c *Correlator) Notifications() <-chan domain.Notification {
	return c.notifications
}

func (c *Correlator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.transport.Close()
		c.failPending(domain.ErrConnectionClosed)
	})
	return err
}

func (c *Correlator) readLoop() {
	for line := range c.transport.Lines() {
		msg, err := jsonrpc.DecodeMessage(line)
		if err != nil {
			c.logger.Warn("drop malformed line", zap.Error(err), zap.Int("length", len(line)))
			continue
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				c.rejectServerCall(typed)
				continue
			}
			c.publishNotification(typed)
		}
	}

	c.failPending(domain.ErrConnectionClosed)
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.transport.Close()
	})
	close(c.notifications)
}

func (c *Correlator) dispatchResponse(resp *jsonrpc.Response) {
	seq, err := numericID(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with unusable id", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if ch == nil {
		// Stale or duplicate; its caller already timed out or never existed.
		c.logger.Debug("drop stale response", zap.Int64("id", seq))
		return
	}
	if resp.Error != nil {
		ch <- callResult{err: resp.Error}
		return
	}
	ch <- callResult{result: resp.Result}
}

func (c *Correlator) rejectServerCall(req *jsonrpc.Request) {
	resp := &jsonrpc.Response{
		ID:    req.ID,
		Error: &jsonrpc.Error{Code: -32601, Message: "method not found"},
	}
	wire, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		c.logger.Warn("encode method-not-found response failed", zap.Error(err))
		return
	}
	if err := c.transport.WriteLine(context.Background(), wire); err != nil {
		c.logger.Warn("respond to server call failed",
			telemetry.MethodField(req.Method), zap.Error(err))
	}
}

func (c *Correlator) publishNotification(req *jsonrpc.Request) {
	event := domain.Notification{
		Method: req.Method,
		Params: req.Params,
	}
	select {
	case c.notifications <- event:
	default:
		c.logger.Debug("drop notification, subscriber lagging",
			telemetry.MethodField(req.Method))
	}
}

func (c *Correlator) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *Correlator) removePending(seq int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}

func (c *Correlator) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func numericID(id jsonrpc.ID) (int64, error) {
	if !id.IsValid() {
		return 0, fmt.Errorf("missing response id")
	}
	switch typed := id.Raw().(type) {
	case int64:
		return typed, nil
	case int:
		return int64(typed), nil
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	case string:
		return strconv.ParseInt(typed, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported id type %T", typed)
	}
}
