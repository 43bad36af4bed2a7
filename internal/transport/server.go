package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/insight-platform/cloudpin/internal/config"
	"github.com/insight-platform/cloudpin/internal/metrics"
)

// ServerSupervisor accepts inbound WebSocket upgrades on a single route and
// keeps exactly one connection current, rejecting any additional
// connection with POLICY_VIOLATION.
type ServerSupervisor struct {
	Supervisor

	cfg      *config.Server
	intake   Intake
	upgrader websocket.Upgrader
}

// NewServerSupervisor constructs a ServerSupervisor.
func NewServerSupervisor(cfg *config.Server, intake Intake, logger *slog.Logger, m *metrics.Metrics) *ServerSupervisor {
	return &ServerSupervisor{
		Supervisor: newSupervisor(logger, m),
		cfg:        cfg,
		intake:     intake,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the chi mux exposing the single tunnel upgrade route.
func (s *ServerSupervisor) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{apiKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/tunnel", s.handleUpgrade)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	return r
}

func (s *ServerSupervisor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.m != nil {
		s.m.WSConnectionAttempt()
	}

	if r.Header.Get(apiKeyHeader) != s.cfg.APIKey {
		if s.m != nil {
			s.m.WSConnectionError()
		}
		http.Error(w, "invalid API key", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.m != nil {
			s.m.WSConnectionError()
		}
		if s.Supervisor.logger != nil {
			s.Supervisor.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		}
		return
	}

	conn, ok := s.adopt(ws)
	if !ok {
		return
	}
	readLoop(ws, s.intake, s.Supervisor.logger, conn.id, func() { s.release(conn) })
}

// TLSConfig builds the server-side mutual-TLS configuration. Returns nil
// when cfg.TLS is unset: an unencrypted listener, logged as such by the
// caller.
func (s *ServerSupervisor) TLSConfig() (*tls.Config, error) {
	if s.cfg.TLS == nil {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading server certificate: %w", ErrConfig, err)
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if s.cfg.TLS.ClientCertRequired {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(s.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading client CA file: %w", ErrConfig, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrConfig, s.cfg.TLS.CAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else if s.Supervisor.logger != nil {
		s.Supervisor.logger.Warn("continuing without client certificate authentication")
	}

	return tlsCfg, nil
}

// Serve runs the HTTP(S) server until ctx is cancelled, then shuts it down
// gracefully.
func (s *ServerSupervisor) Serve(ctx context.Context, addr string) error {
	tlsCfg, err := s.TLSConfig()
	if err != nil {
		return err
	}
	if tlsCfg == nil && s.Supervisor.logger != nil {
		s.Supervisor.logger.Warn("no SSL configured, unsafe connection")
	}

	srv := &http.Server{
		Addr:      addr,
		Handler:   s.Router(),
		TLSConfig: tlsCfg,
	}

	stop := make(chan struct{})
	go s.resumeProbeLoop(s.cfg.IOTimeout, stop)
	defer close(stop)

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
