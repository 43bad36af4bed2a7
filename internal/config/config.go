// Package config defines and validates the immutable configuration records
// consumed by the service controller. Richer loading overlays (YAML/CLI)
// live outside this module; this package covers the environment overlay
// and struct-level validation of the bus URLs and required fields.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every validation failure produced by this package.
var ErrInvalid = fmt.Errorf("config: invalid configuration")

var (
	sourceURLPattern = regexp.MustCompile(`^(router\+)?(bind|connect):(tcp://[^:/]+:\d+|ipc://.+)$`)
	sinkURLPattern   = regexp.MustCompile(`^(dealer\+)?(bind|connect):(tcp://[^:/]+:\d+|ipc://.+)$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("source_url", func(fl validator.FieldLevel) bool {
		return sourceURLPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("sink_url", func(fl validator.FieldLevel) bool {
		return sinkURLPattern.MatchString(fl.Field().String())
	})
	return v
}

// ReaderConfig describes the local bus source (ROUTER-capable) endpoint.
//
// Fields beyond URL/ResultsQueueSize are optional ZeroMQ tuning knobs;
// a zero value leaves the underlying socket's default.
type ReaderConfig struct {
	URL               string `validate:"required,source_url"`
	ResultsQueueSize  int    `validate:"required,gt=0"`
	ReceiveTimeout    time.Duration
	ReceiveHWM        int
	TopicPrefixSpec   string
	FixIPCPermissions string
}

// WriterConfig describes the local bus sink (DEALER-capable) endpoint.
type WriterConfig struct {
	URL                 string `validate:"required,sink_url"`
	MaxInflightMessages int    `validate:"required,gt=0"`
	SendTimeout         time.Duration
	SendRetries         int
	SendHWM             int
	FixIPCPermissions   string
}

// TLSConfig holds certificate material paths. This package does not read
// the files; it only carries the paths and flags the transport package
// uses to load them and build a *tls.Config.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	CheckHostname      bool `json:"check_hostname"`
	ClientCertRequired bool `json:"client_cert_required"`
	Insecure           bool
}

// HistogramBoundaries carries configurable bucket bounds for each
// histogram, keyed the same as the metric name.
type HistogramBoundaries struct {
	Delay                     []float64
	MessageSize               []float64
	LeftZMQCapacity           []float64
	ConsumedZMQCapacity       []float64
	LeftWSReadingCapacity     []float64
	ConsumedWSReadingCapacity []float64
}

// Base holds the fields shared by Client and Server configs.
type Base struct {
	Source            ReaderConfig
	Sink              WriterConfig
	IOTimeout         time.Duration `validate:"required,gt=0"`
	ReconnectTimeout  time.Duration `validate:"required,gt=0"`
	Histograms        HistogramBoundaries
	MaxWSPayloadBytes int
}

// Client is the immutable configuration for the Client role.
type Client struct {
	Base
	ServerURL string `validate:"required,url"`
	APIKey    string `validate:"required"`
	TLS       TLSConfig
}

// Server is the immutable configuration for the Server role.
type Server struct {
	Base
	ListenURL string `validate:"required"`
	APIKey    string `validate:"required"`
	TLS       *TLSConfig
}

// Validate runs struct-tag validation and returns ErrInvalid (wrapping the
// underlying validator error) on failure.
func (c *Client) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !c.TLS.Insecure && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("%w: scheme must be wss unless insecure is set", ErrInvalid)
	}
	return nil
}

// Validate runs struct-tag validation for the Server config.
func (c *Server) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// DefaultPort returns 443 when TLS material is configured, 80 otherwise.
func (c *Server) DefaultPort() int {
	if c.TLS != nil {
		return 443
	}
	return 80
}

// Addr returns the host:port the HTTP listener should bind to, parsed from
// ListenURL, falling back to DefaultPort when the URL (or bare host:port)
// omits a port. ListenURL may be a full "wss://host:port/path" endpoint or
// a bare "host:port".
func (c *Server) Addr() (string, error) {
	raw := c.ListenURL
	var host, port string

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("%w: parsing listen URL: %w", ErrInvalid, err)
		}
		host, port = u.Hostname(), u.Port()
	} else if h, p, err := net.SplitHostPort(raw); err == nil {
		host, port = h, p
	} else {
		host = raw
	}

	if port == "" {
		port = strconv.Itoa(c.DefaultPort())
	}
	return net.JoinHostPort(host, port), nil
}

// envOr returns the environment variable's value, or fallback if unset.
func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadBase() Base {
	return Base{
		Source: ReaderConfig{
			URL:               envOr("CLOUDPIN_SOURCE_URL", ""),
			ResultsQueueSize:  envInt("CLOUDPIN_SOURCE_RESULTS_QUEUE_SIZE", 100),
			ReceiveTimeout:    envDurationSeconds("CLOUDPIN_SOURCE_RECEIVE_TIMEOUT", 0),
			ReceiveHWM:        envInt("CLOUDPIN_SOURCE_RECEIVE_HWM", 0),
			TopicPrefixSpec:   envOr("CLOUDPIN_SOURCE_TOPIC_PREFIX", ""),
			FixIPCPermissions: envOr("CLOUDPIN_SOURCE_FIX_IPC_PERMISSIONS", ""),
		},
		Sink: WriterConfig{
			URL:                 envOr("CLOUDPIN_SINK_URL", ""),
			MaxInflightMessages: envInt("CLOUDPIN_SINK_MAX_INFLIGHT_MESSAGES", 100),
			SendTimeout:         envDurationSeconds("CLOUDPIN_SINK_SEND_TIMEOUT", 0),
			SendRetries:         envInt("CLOUDPIN_SINK_SEND_RETRIES", 0),
			SendHWM:             envInt("CLOUDPIN_SINK_SEND_HWM", 0),
			FixIPCPermissions:   envOr("CLOUDPIN_SINK_FIX_IPC_PERMISSIONS", ""),
		},
		IOTimeout:        envDurationSeconds("CLOUDPIN_IO_TIMEOUT", 100*time.Millisecond),
		ReconnectTimeout: envDurationSeconds("CLOUDPIN_RECONNECT_TIMEOUT", 2*time.Second),
	}
}

// LoadClient reads the Client configuration from the process environment.
func LoadClient() (*Client, error) {
	c := &Client{
		Base:      loadBase(),
		ServerURL: envOr("CLOUDPIN_WEBSOCKETS_SERVER_URL", ""),
		APIKey:    envOr("CLOUDPIN_WEBSOCKETS_API_KEY", ""),
		TLS: TLSConfig{
			CAFile:        envOr("CLOUDPIN_WEBSOCKETS_SSL_CA_FILE", ""),
			CertFile:      envOr("CLOUDPIN_WEBSOCKETS_SSL_CERT_FILE", ""),
			KeyFile:       envOr("CLOUDPIN_WEBSOCKETS_SSL_KEY_FILE", ""),
			CheckHostname: envBool("CLOUDPIN_WEBSOCKETS_SSL_CHECK_HOSTNAME", false),
			Insecure:      envBool("CLOUDPIN_WEBSOCKETS_INSECURE", false),
		},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadServer reads the Server configuration from the process environment.
func LoadServer() (*Server, error) {
	c := &Server{
		Base:      loadBase(),
		ListenURL: envOr("CLOUDPIN_WEBSOCKETS_SERVER_URL", ""),
		APIKey:    envOr("CLOUDPIN_WEBSOCKETS_API_KEY", ""),
	}
	if certFile := envOr("CLOUDPIN_WEBSOCKETS_SSL_CERT_FILE", ""); certFile != "" {
		c.TLS = &TLSConfig{
			CAFile:             envOr("CLOUDPIN_WEBSOCKETS_SSL_CA_FILE", ""),
			CertFile:           certFile,
			KeyFile:            envOr("CLOUDPIN_WEBSOCKETS_SSL_KEY_FILE", ""),
			ClientCertRequired: envBool("CLOUDPIN_WEBSOCKETS_SSL_CLIENT_CERT_REQUIRED", true),
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
