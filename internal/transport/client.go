package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/insight-platform/cloudpin/internal/config"
	"github.com/insight-platform/cloudpin/internal/metrics"
)

const apiKeyHeader = "X-Api-Key"

// ClientSupervisor dials out to the remote server and keeps exactly one
// connection current, reconnecting on any transient failure.
type ClientSupervisor struct {
	Supervisor

	cfg    *config.Client
	intake Intake
}

// NewClientSupervisor constructs a ClientSupervisor. intake receives every
// binary frame read off the active connection.
func NewClientSupervisor(cfg *config.Client, intake Intake, logger *slog.Logger, m *metrics.Metrics) *ClientSupervisor {
	return &ClientSupervisor{
		Supervisor: newSupervisor(logger, m),
		cfg:        cfg,
		intake:     intake,
	}
}

// tlsConfig builds the client-side *tls.Config. TLS.Insecure (config's
// CLOUDPIN_WEBSOCKETS_INSECURE) means "ws:// is allowed, no TLS at all" and
// is checked by config.Client.Validate() against ServerURL's scheme; it
// carries no meaning here. TLS.CheckHostname governs only whether the
// certificate's hostname is compared against the dial target.
func (s *ClientSupervisor) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{}

	if s.cfg.TLS.CAFile != "" {
		pool, err := caPool(s.cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	if !s.cfg.TLS.CheckHostname {
		// Still verify the chain, but skip the hostname<->cert comparison
		// via a custom VerifyPeerCertificate.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = verifyChainOnly(tlsCfg.RootCAs)
	}

	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading client certificate: %w", ErrConfig, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else if s.Supervisor.logger != nil {
		s.Supervisor.logger.Warn("continuing without client certificate authentication")
	}
	return tlsCfg, nil
}

func caPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading CA file: %w", ErrConfig, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates found in %s", ErrConfig, caFile)
	}
	return pool, nil
}

// verifyChainOnly builds a VerifyPeerCertificate callback that validates
// the certificate chain against pool without comparing the hostname.
func verifyChainOnly(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("transport: no certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if cert, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(cert)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
		return err
	}
}

// connect performs one connection attempt, classifying the resulting error
// into the transient/auth/config taxonomy the reconnect loop acts on.
func (s *ClientSupervisor) connect(ctx context.Context) error {
	if s.m != nil {
		s.m.WSConnectionAttempt()
	}

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		if s.m != nil {
			s.m.WSConnectionError()
		}
		return err
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set(apiKeyHeader, s.cfg.APIKey)

	ws, resp, err := dialer.DialContext(ctx, s.cfg.ServerURL, header)
	if err != nil {
		if s.m != nil {
			s.m.WSConnectionError()
		}
		switch {
		case resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
			return fmt.Errorf("%w: %w", ErrAuth, err)
		case errors.As(err, new(*tls.CertificateVerificationError)):
			// This side failed to verify the server's certificate.
			return fmt.Errorf("%w: %w", ErrConfig, err)
		case remoteTLSAlert(err):
			// The server refused our certificate (or the handshake) with a
			// TLS alert; retrying with the same material cannot succeed.
			return fmt.Errorf("%w: %w", ErrAuth, err)
		default:
			return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
		}
	}

	conn, ok := s.adopt(ws)
	if !ok {
		return nil
	}
	go readLoop(ws, s.intake, s.Supervisor.logger, conn.id, func() { s.release(conn) })
	return nil
}

// remoteTLSAlert reports whether err is a TLS alert sent by the peer during
// or right after the handshake (e.g. "remote error: tls: bad certificate"
// when the server rejects the client's certificate). crypto/tls surfaces
// these as a *net.OpError with Op "remote error".
func remoteTLSAlert(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "remote error"
}

// quickRetry reports whether err is the refused/reset flavour of transient
// failure that only warrants the short ioTimeout pause before the next dial,
// rather than the full reconnectTimeout.
func quickRetry(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Run drives the reconnect loop until ctx is done: attempt a connection
// whenever none is current, otherwise sleep reconnectTimeout. Fatal errors
// (auth rejection,
// certificate problems) terminate the loop and propagate to the service;
// transient failures are retried indefinitely. A rate limiter bounds dial
// attempts to one per ioTimeout even when errors return instantly, so a
// flapping network can't turn the loop into a busy spin.
func (s *ClientSupervisor) Run(ctx context.Context, ioTimeout, reconnectTimeout time.Duration) error {
	stop := make(chan struct{})
	go s.resumeProbeLoop(reconnectTimeout, stop)
	defer close(stop)
	defer s.shutdown()

	limiter := rate.NewLimiter(rate.Every(ioTimeout), 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.mu.Lock()
		current := s.current
		s.mu.Unlock()

		if current == nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			if s.Supervisor.logger != nil {
				s.Supervisor.logger.Info("connecting to server", slog.String("url", s.cfg.ServerURL))
			}
			err := s.connect(ctx)
			switch {
			case err == nil:
				continue
			case errors.Is(err, ErrAuth) || errors.Is(err, ErrConfig):
				return fmt.Errorf("transport: error connecting to %s: %w", s.cfg.ServerURL, err)
			case quickRetry(err):
				if s.Supervisor.logger != nil {
					s.Supervisor.logger.Warn("connection refused, retrying", slog.String("error", err.Error()))
				}
				continue // the limiter already paces retries at ioTimeout
			default:
				if s.Supervisor.logger != nil {
					s.Supervisor.logger.Error("websocket connect failed", slog.String("error", err.Error()))
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectTimeout):
		}
	}
}
