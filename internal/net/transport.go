package net

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vocdoni/gofirma/eimzo/internal/canon"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

const (
	DefaultPort       = 64646
	DefaultSecurePort = 64443
	DefaultTimeout    = 30 * time.Second

	ServicePath = "/service/cryptapi"
)

var (
	// ErrTimeout is returned when the daemon does not answer before the deadline.
	ErrTimeout = errors.New("signing service did not respond in time")
	// ErrUnavailable is returned when the daemon cannot be reached.
	ErrUnavailable = errors.New("signing service unavailable")
)

// Transport performs one request/response exchange with the signing daemon.
type Transport interface {
	Do(ctx context.Context, req model.Request) (*model.Response, error)
}

// WSTransport talks to the daemon over WebSocket, one socket per request.
type WSTransport struct {
	// Secure selects wss on SecurePort instead of ws on Port.
	Secure     bool
	Host       string
	Port       int
	SecurePort int
	// Origin is sent as the Origin header, as a browser page would.
	Origin    string
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Endpoint returns the daemon URL for the configured security mode.
func (t *WSTransport) Endpoint() string {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	scheme, port := "ws", t.Port
	if port == 0 {
		port = DefaultPort
	}
	if t.Secure {
		scheme, port = "wss", t.SecurePort
		if port == 0 {
			port = DefaultSecurePort
		}
	}
	u := url.URL{Scheme: scheme, Host: host + ":" + strconv.Itoa(port), Path: ServicePath}
	return u.String()
}

func (t *WSTransport) Do(ctx context.Context, req model.Request) (*model.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := canon.Encode(req)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:           nil,
		TLSClientConfig: t.TLSConfig,
	}
	var header http.Header
	if t.Origin != "" {
		header = http.Header{"Origin": []string{t.Origin}}
	}

	endpoint := t.Endpoint()
	logging.Debugf("cryptapi %s -> %s", req.Method(), endpoint)
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	// Unblock the read below when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("send %s: %w", req.Method(), err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("receive %s: %w", req.Method(), err)
	}

	var resp model.Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Method(), err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	logging.Debugf("cryptapi %s <- success=%t", req.Method(), resp.Success)
	return &resp, nil
}

func contextError(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return ErrTimeout
	default:
		return ctx.Err()
	}
}
