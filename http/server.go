// Package http serves the status and metrics endpoints shared by both
// binaries, following the teacher's http/server.go: a net.Listener plus
// http.Server pair run inside an errgroup, a fixed dispatch table in
// serveHTTP, and a cancellable context so in-flight requests unwind on
// Close.
package http

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/greenplum-dr/drsync/cli"
	"github.com/greenplum-dr/drsync/config"
)

// Default settings.
const (
	DefaultAddr = ":20212"
)

// Server serves /status and /metrics for a single drsync-primary or
// drsync-dr process.
type Server struct {
	ln net.Listener

	httpServer  *http.Server
	promHandler http.Handler

	addr string
	mode string // "primary" or "dr"
	cfg  config.Config

	g      errgroup.Group
	ctx    context.Context
	cancel func()
}

// NewServer returns a Server that renders status for cfg in mode ("primary"
// or "dr") and listens on addr.
func NewServer(cfg config.Config, mode, addr string) *Server {
	s := &Server{
		addr: addr,
		mode: mode,
		cfg:  cfg,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.serveHTTP),
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

// Listen binds the server's listener. Call before Serve.
func (s *Server) Listen() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}
	return nil
}

// Serve starts accepting connections in the background.
func (s *Server) Serve() {
	s.g.Go(func() error {
		err := s.httpServer.Serve(s.ln)
		if err != nil && s.ctx.Err() == nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
}

// Close shuts down the listener and server and waits for Serve to return.
func (s *Server) Close() (err error) {
	if s.ln != nil {
		if e := s.ln.Close(); err == nil {
			err = e
		}
	}
	if s.httpServer != nil {
		if e := s.httpServer.Close(); err == nil && !errors.Is(e, net.ErrClosed) {
			err = e
		}
	}
	s.cancel()
	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(s.Port())))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug") {
		switch r.URL.Path {
		case "/debug/vars":
			expvar.Handler().ServeHTTP(w, r)
		case "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			pprof.Profile(w, r)
		case "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			pprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)
	case "/status":
		s.handleStatus(w, r)
	case "/healthz":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	includeHistory := r.URL.Query().Get("history") == "1"
	historyN := 10
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			historyN = n
		}
	}

	out, err := cli.RenderStatus(r.Context(), s.cfg, format, includeHistory, historyN, "drsync", s.mode)
	if err != nil {
		Error(w, r, err, http.StatusInternalServerError)
		return
	}

	switch format {
	case "prometheus":
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	case "json":
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	_, _ = w.Write([]byte(out))
}

// Error writes err as a plain-text HTTP error and logs it.
func Error(w http.ResponseWriter, r *http.Request, err error, code int) {
	log.Printf("http: error: %s", err)
	http.Error(w, err.Error(), code)
}
