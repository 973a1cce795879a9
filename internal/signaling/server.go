// Package signaling implements the WebSocket control plane: authentication,
// presence, invites, call state, and opaque WebRTC payload relay.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink-chat/peerlink/internal/auth"
	"github.com/peerlink-chat/peerlink/internal/metrics"
	"github.com/peerlink-chat/peerlink/internal/ratelimit"
)

// Server owns the WebSocket endpoint. It handles the transport concerns
// (upgrade, origin checks, auth deadline, read limits, rate limiting,
// keepalive) and delegates every parsed frame to the Hub.
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	auth    *auth.Service
	hub     *Hub

	authTimeout          time.Duration
	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int64

	upgrader websocket.Upgrader
}

type ServerOptions struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
	Auth    *auth.Service
	Hub     *Hub

	AllowedOrigins       []string
	AuthTimeout          time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int64
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		log:                  opts.Log,
		metrics:              opts.Metrics,
		auth:                 opts.Auth,
		hub:                  opts.Hub,
		authTimeout:          opts.AuthTimeout,
		idleTimeout:          opts.IdleTimeout,
		pingInterval:         opts.PingInterval,
		maxMessageBytes:      opts.MaxMessageBytes,
		maxMessagesPerSecond: opts.MaxMessagesPerSecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(conn)
	conn.SetReadLimit(s.maxMessageBytes)

	limiter := ratelimit.NewTokenBucket(nil, s.maxMessagesPerSecond, s.maxMessagesPerSecond)

	identity, ok := s.authenticate(r, conn, c, limiter)
	if !ok {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	pingCtx, stopPing := context.WithCancel(r.Context())
	defer stopPing()
	go s.pingLoop(pingCtx, c)

	sess := s.hub.Connect(r.Context(), c, identity)
	defer s.hub.Disconnect(sess)
	defer c.Close("")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			c.closeWithCode(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			_ = c.Send(newErrorEvent("invalid message: " + err.Error()))
			continue
		}

		s.hub.Handle(r.Context(), sess, msg)
	}
}

// authenticate resolves the connection's identity, either from a token query
// parameter on the upgrade request or from a first-frame auth message that
// must arrive within the auth deadline. Until it succeeds the connection
// holds no server state and the only acceptable frame is auth.
func (s *Server) authenticate(r *http.Request, conn *websocket.Conn, c *client, limiter *ratelimit.TokenBucket) (auth.Identity, bool) {
	if token := r.URL.Query().Get("token"); token != "" {
		identity, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			s.rejectAuth(c, err)
			return auth.Identity{}, false
		}
		return identity, true
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.closeWithCode(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return auth.Identity{}, false
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			c.closeWithCode(websocket.ClosePolicyViolation, "rate limit exceeded")
			return auth.Identity{}, false
		}

		msg, err := parseClientMessage(data)
		if err != nil || msg.Type != messageTypeAuth {
			s.metrics.Inc(metrics.AuthFailure)
			c.closeWithCode(websocket.ClosePolicyViolation, "authentication required")
			return auth.Identity{}, false
		}

		identity, err := s.auth.Authenticate(r.Context(), msg.Token)
		if err != nil {
			s.rejectAuth(c, err)
			return auth.Identity{}, false
		}
		return identity, true
	}
}

func (s *Server) rejectAuth(c *client, err error) {
	s.metrics.Inc(metrics.AuthFailure)
	reason := "invalid credentials"
	if errors.Is(err, auth.ErrMissingToken) {
		reason = "authentication required"
	}
	c.closeWithCode(websocket.ClosePolicyViolation, reason)
}

func (s *Server) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// originChecker allows same-host upgrades plus the configured origins. A
// lone "*" disables the check entirely.
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
