package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"mcpgate/internal/domain"
)

// maxHTTPResponseBytes bounds how much of a reply body gets buffered.
const maxHTTPResponseBytes = 8 << 20

// httpCaller runs one JSON-RPC exchange per POST. The endpoint answers in
// the response body, so there is no read loop and no pending map; IDs still
// increase monotonically so request logs line up across transports.
type httpCaller struct {
	url     string
	headers map[string]string
	client  *http.Client

	nextID atomic.Int64

	// notifications is closed at construction. The transport has no
	// server-push channel to subscribe to.
	notifications chan domain.Notification

	closeOnce sync.Once
	closed    chan struct{}
}

func newHTTPCaller(cfg domain.ServerConfig, client *http.Client) *httpCaller {
	if client == nil {
		client = http.DefaultClient
	}
	notifications := make(chan domain.Notification)
	close(notifications)
	return &httpCaller{
		url:           cfg.URL,
		headers:       cfg.Headers,
		client:        client,
		notifications: notifications,
		closed:        make(chan struct{}),
	}
}

func (h *httpCaller) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if h.isClosed() {
		return nil, domain.ErrConnectionClosed
	}

	seq := h.nextID.Add(1)
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

	body, err := h.post(ctx, wire)
	if err != nil {
		return nil, err
	}

	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("endpoint answered with a non-response message")
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (h *httpCaller) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if h.isClosed() {
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
	_, err = h.post(ctx, wire)
	return err
}

func (h *httpCaller) Notifications() <-chan domain.Notification {
	return h.notifications
}

func (h *httpCaller) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.client.CloseIdleConnections()
	})
	return nil
}

func (h *httpCaller) post(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for name, value := range h.headers {
		httpReq.Header.Set(name, value)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "connection.http", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, domain.E(domain.CodeUnavailable, "connection.http",
			fmt.Sprintf("endpoint returned status %d", httpResp.StatusCode), nil)
	}
	return body, nil
}

func (h *httpCaller) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}
