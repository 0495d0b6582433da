// Package gateway exposes Kairo's HTTP surface: message ingestion, outbound
// polling and acknowledgment for queue bridges, the Twilio webhook, health
// and metrics.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/bridge"
	"github.com/jholhewres/kairo/pkg/kairo/metrics"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Handler processes one inbound message to completion.
type Handler interface {
	HandleIncoming(ctx context.Context, msg bridge.Inbound)
}

// Queue is the outbound side of a queue bridge.
type Queue interface {
	Drain() []bridge.Entry
	Acknowledge(ctx context.Context, messageID string) bool
}

// TwilioConfig enables the Twilio webhook.
type TwilioConfig struct {
	AuthToken         string
	ValidateSignature bool

	// WebhookURL is the public URL Twilio signs; derived from the request
	// when empty.
	WebhookURL string
}

// Config wires a Gateway.
type Config struct {
	Address   string
	AuthToken string
	Bridge    string

	Handler Handler
	// Queue is nil for push bridges; /outgoing and /ack then answer 404.
	Queue   Queue
	Twilio  *TwilioConfig
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gateway is the HTTP server.
type Gateway struct {
	config    Config
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger
	startedAt time.Time

	// processing runs inbound turns after the request has been acknowledged.
	processing context.Context
	stopWork   context.CancelFunc
	inflight   sync.WaitGroup
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8001"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		startedAt:  time.Now(),
		processing: ctx,
		stopWork:   cancel,
	}
}

// Handler returns the routed and wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/incoming", g.handleIncoming)
	mux.HandleFunc("/outgoing", g.handleOutgoing)
	mux.HandleFunc("/ack", g.handleAck)
	if g.config.Twilio != nil {
		mux.HandleFunc("/twilio/incoming", g.handleTwilio)
	}
	if g.config.Metrics != nil {
		mux.Handle("/metrics", g.config.Metrics.Handler())
	}

	return g.securityHeadersMiddleware(g.authMiddleware(mux))
}

// Start binds the listen address and serves in the background. A bind
// failure is returned to the caller.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if (ip == nil || !ip.IsLoopback()) && host != "localhost" {
			g.logger.Warn("gateway has no auth token and is bound to a non-loopback address",
				"address", g.config.Address)
		}
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.config.Address, err)
	}
	g.listener = ln

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String(), "bridge", g.config.Bridge)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop shuts the server down and waits for in-flight turns until ctx ends.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("gateway stopping...")
	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("abandoning in-flight turns", "error", ctx.Err())
		g.stopWork()
	}
	return err
}

// Wait blocks until every acknowledged message has been processed.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

// dispatch processes msg after the response has been written.
func (g *Gateway) dispatch(msg bridge.Inbound) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("inbound processing panicked", "user", msg.UserID, "panic", r)
			}
		}()
		g.config.Handler.HandleIncoming(g.processing, msg)
	}()
}
