// Package daemon is a development stand-in for the E-Imzo signing service.
// It speaks the cryptapi protocol over WebSocket and serves keys from PFX
// directories and PKCS#11 tokens.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocdoni/gofirma/eimzo/internal/canon"
	"github.com/vocdoni/gofirma/eimzo/internal/config"
	"github.com/vocdoni/gofirma/eimzo/internal/logging"
	"github.com/vocdoni/gofirma/eimzo/internal/model"
	"github.com/vocdoni/gofirma/eimzo/internal/net"
)

var (
	ErrUnknownPlugin    = errors.New("unknown plugin")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNotAuthorized    = errors.New("api key not accepted")
	ErrBadArguments     = errors.New("invalid arguments")
)

const metricsPath = "/metrics"

type handlerFunc func(ctx context.Context, args []string) (*model.Response, error)

// labelSource reports the labels of the tokens currently present.
type labelSource interface {
	labels(ctx context.Context) ([]string, error)
}

type Server struct {
	apiKeys     map[string]string
	keys        *keyring
	containers  *pfxPlugin
	tokens      *tokenPlugin
	// tokenLabels are listed as disks next to the PFX directories.
	tokenLabels labelSource
	metrics     *metrics

	registry *prometheus.Registry
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	// accepted holds the clients whose api key was accepted. The client
	// transport opens a socket per request, so this outlives connections.
	mu       sync.Mutex
	accepted map[string]bool
}

// New builds a server from the resolved options. API keys are matched on
// host case-insensitively since config keys may come back lowercased.
func New(opts config.Options) *Server {
	reg := prometheus.NewRegistry()
	s := &Server{
		apiKeys:  opts.APIKeys,
		keys:     newKeyring(),
		registry: reg,
		metrics:  newMetrics(reg),
		accepted: make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.containers = newPFXPlugin(opts.Disks, opts.PFXPasswords, s.keys)
	s.tokens = newTokenPlugin(opts.PKCS11Lib, opts.PKCS11PIN, s.keys)
	s.tokenLabels = s.tokens
	s.handlers = map[string]handlerFunc{
		model.PluginPFX + "/" + model.OpListDisks:            s.listDisks,
		model.PluginPFX + "/" + model.OpListCertificates:     s.containers.listCertificates,
		model.PluginPFX + "/" + model.OpLoadKey:              s.containers.loadKey,
		model.PluginCertKey + "/" + model.OpListCertificates: s.tokens.listCertificates,
		model.PluginCertKey + "/" + model.OpLoadKey:          s.tokens.loadKey,
		model.PluginPKCS7 + "/" + model.OpCreatePKCS7:        s.createPKCS7,
	}
	return s
}

// Handler returns the HTTP mux serving the cryptapi endpoint and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(net.ServicePath, s.serveCryptAPI)
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Infof("cryptapi listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// Close forgets loaded keys and accepted clients and releases the PKCS#11
// module.
func (s *Server) Close() error {
	s.keys.clear()
	s.mu.Lock()
	s.accepted = make(map[string]bool)
	s.mu.Unlock()
	return s.tokens.close()
}

func (s *Server) serveCryptAPI(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	client := clientKey(r)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debugf("connection from %s closed: %v", r.RemoteAddr, err)
			}
			return
		}

		var req model.Request
		var resp *model.Response
		if err := json.Unmarshal(data, &req); err != nil {
			resp = model.Failure("malformed request")
			s.metrics.observe(req, resultError)
		} else {
			resp = s.handle(r.Context(), client, req)
		}

		out, err := canon.Encode(resp)
		if err != nil {
			logging.Errorf("encode response for %s: %v", req.Method(), err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			logging.Debugf("write to %s failed: %v", r.RemoteAddr, err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, client string, req model.Request) *model.Response {
	if req.Plugin == "" && req.Name == model.OpAPIKey {
		if err := s.checkAPIKey(req.Arguments); err != nil {
			logging.Warnf("rejected handshake: %v", err)
			s.metrics.observe(req, resultRejected)
			return model.Failure(err.Error())
		}
		s.accept(client)
		s.metrics.observe(req, resultOK)
		return &model.Response{Success: true}
	}
	if !s.isAccepted(client) {
		s.metrics.observe(req, resultRejected)
		return model.Failure(ErrNotAuthorized.Error())
	}

	h, err := s.lookup(req)
	if err != nil {
		s.metrics.observe(req, resultError)
		return model.Failure(err.Error())
	}
	resp, err := h(ctx, req.Arguments)
	if err != nil {
		logging.Debugf("%s failed: %v", req.Method(), err)
		s.metrics.observe(req, resultError)
		return model.Failure(err.Error())
	}
	resp.Success = true
	s.metrics.observe(req, resultOK)
	return resp
}

// listDisks returns the PFX disks and the present token labels, sorted and
// without case-insensitive duplicates. A failing PKCS#11 module only hides
// the tokens.
func (s *Server) listDisks(ctx context.Context, _ []string) (*model.Response, error) {
	names := s.containers.diskNames()
	labels, err := s.tokenLabels.labels(ctx)
	if err != nil {
		logging.Warnf("listing token labels: %v", err)
	}
	for _, label := range labels {
		dup := false
		for _, name := range names {
			if strings.EqualFold(name, label) {
				dup = true
				break
			}
		}
		if !dup {
			names = append(names, label)
		}
	}
	sort.Strings(names)
	return &model.Response{Disks: names}, nil
}

func (s *Server) lookup(req model.Request) (handlerFunc, error) {
	switch req.Plugin {
	case model.PluginPFX, model.PluginCertKey, model.PluginPKCS7:
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownPlugin, req.Plugin)
	}
	h, ok := s.handlers[req.Method()]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, req.Method())
	}
	return h, nil
}

func (s *Server) accept(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted[client] = true
}

func (s *Server) isAccepted(client string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[client]
}

// clientKey identifies the caller by the host of its Origin header, or by
// its remote address when no origin is sent.
func clientKey(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) checkAPIKey(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: apikey expects host and key", ErrBadArguments)
	}
	host, key := args[0], args[1]
	for h, k := range s.apiKeys {
		if strings.EqualFold(h, host) && k == key {
			return nil
		}
	}
	return fmt.Errorf("%w for %s", ErrNotAuthorized, host)
}
