package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gamedock/gamedock/internal/auth"
	"github.com/gamedock/gamedock/internal/catalog"
	"github.com/gamedock/gamedock/internal/config"
	"github.com/gamedock/gamedock/internal/launcher"
	"github.com/gamedock/gamedock/internal/lobby"
	"github.com/gamedock/gamedock/internal/model"
	"github.com/gamedock/gamedock/internal/protocol"
	"github.com/gamedock/gamedock/internal/review"
	"github.com/gamedock/gamedock/internal/store"
)

// Server is the control-plane TCP front end: one goroutine per connection,
// framed JSON envelopes, a dispatch table keyed by message type.
type Server struct {
	cfg      config.ControlPlane
	auth     *auth.Authenticator
	catalog  *catalog.Catalog
	reviews  *review.Service
	packages *store.PackageStore
	rooms    *lobby.Registry
	launcher *launcher.Launcher

	handlers map[string]handlerEntry
}

// New wires a Server over its collaborating services.
func New(cfg config.ControlPlane, a *auth.Authenticator, c *catalog.Catalog, rv *review.Service,
	p *store.PackageStore, rooms *lobby.Registry, l *launcher.Launcher) *Server {
	s := &Server{
		cfg:      cfg,
		auth:     a,
		catalog:  c,
		reviews:  rv,
		packages: p,
		rooms:    rooms,
		launcher: l,
	}
	s.handlers = s.buildDispatch()
	return s
}

// Run listens on the configured address and accepts control-plane
// connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, fmt.Sprint(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts control-plane connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	slog.Info("control plane listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

type downloadMeta struct {
	gameName string
	version  string
}

// session is the per-connection state a worker accumulates.
type session struct {
	conn      *protocol.LineConn
	token     string
	username  string
	role      model.Role
	uploads   map[string]bool
	downloads map[string]downloadMeta
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	sess := &session{
		conn:      protocol.NewLineConn(raw, time.Duration(s.cfg.IdleTimeoutSec)*time.Second),
		uploads:   make(map[string]bool),
		downloads: make(map[string]downloadMeta),
	}
	limiter := protocol.NewFrameLimiter(
		s.cfg.RateLimitPerSec,
		time.Duration(s.cfg.RateCooldownSec)*time.Second,
		time.Duration(s.cfg.RateWindowSec)*time.Second,
		s.cfg.RateMaxViolations,
	)
	remote := raw.RemoteAddr()
	slog.Debug("connection opened", "remote", remote)

	defer func() {
		s.teardown(sess)
		sess.conn.Close()
		slog.Debug("connection closed", "remote", remote)
	}()

	for {
		msg, err := sess.conn.Read()
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrOversizeFrame):
			sess.conn.Write(protocol.Error("", "", protocol.CodeAuth, "frame too large"))
			continue
		case errors.Is(err, protocol.ErrMalformedFrame):
			sess.conn.Write(protocol.Error("", "", protocol.CodeAuth, "malformed frame"))
			continue
		case errors.Is(err, io.EOF):
			return
		case protocol.IsTimeout(err):
			slog.Info("connection idle, closing", "remote", remote)
			return
		default:
			slog.Debug("read failed", "remote", remote, "err", err)
			return
		}

		switch limiter.Observe(time.Now()) {
		case protocol.Drop:
			continue
		case protocol.Disconnect:
			slog.Warn("rate limit exceeded, closing", "remote", remote)
			return
		}

		resp := s.dispatch(ctx, sess, msg)
		if err := sess.conn.Write(resp); err != nil {
			slog.Debug("write failed", "remote", remote, "err", err)
			return
		}
	}
}

// teardown releases everything a dropped connection held: in-flight transfer
// sessions, room membership and the login session.
func (s *Server) teardown(sess *session) {
	for id := range sess.uploads {
		s.packages.AbortUpload(id)
	}
	for id := range sess.downloads {
		s.packages.AbortDownload(id)
	}
	if sess.username != "" {
		if res := s.rooms.RemoveEverywhere(sess.username); res != nil && res.Destroyed {
			s.launcher.Abandon(res.Room.RoomID, res.Port)
		}
	}
	if sess.token != "" {
		s.auth.Logout(sess.token)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, msg protocol.Message) protocol.Message {
	entry, ok := s.handlers[msg.Type]
	if !ok {
		return protocol.Error(msg.Type, msg.RequestID, protocol.CodeUnknownType, "unknown type")
	}

	if !entry.open {
		username, role, err := s.auth.Validate(msg.Token, entry.role)
		if err != nil {
			return protocol.Error(msg.Type, msg.RequestID, protocol.CodeAuth, err.Error())
		}
		sess.token = msg.Token
		sess.username = username
		sess.role = role
	}

	payload, err := entry.fn(ctx, sess, msg)
	if err != nil {
		code := codeOf(err)
		if code == protocol.CodeInternal && !safeInternal(err) {
			slog.Error("handler failed", "type", msg.Type, "err", err)
			return protocol.Error(msg.Type, msg.RequestID, code, "internal error")
		}
		return protocol.Error(msg.Type, msg.RequestID, code, err.Error())
	}
	return protocol.OK(msg.Type, msg.RequestID, payload)
}
