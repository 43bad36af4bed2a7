package transport

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-platform/cloudpin/internal/config"
	"github.com/insight-platform/cloudpin/internal/frame"
	"github.com/insight-platform/cloudpin/internal/metrics"
)

type fakeIntake struct {
	mu       sync.Mutex
	received [][]byte
}

func (f *fakeIntake) Intake(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, payload)
}

func (f *fakeIntake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func wsURL(httpURL string) string {
	u, _ := url.Parse(httpURL)
	u.Scheme = "ws"
	if strings.HasPrefix(httpURL, "https") {
		u.Scheme = "wss"
	}
	u.Path = "/tunnel"
	return u.String()
}

func TestServer_RejectsBadAPIKey(t *testing.T) {
	intake := &fakeIntake{}
	srv := NewServerSupervisor(&config.Server{APIKey: "correct-key"}, intake, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	header := map[string][]string{apiKeyHeader: {"wrong-key"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestServer_AcceptsOneConnectionAndDeliversFrames(t *testing.T) {
	intake := &fakeIntake{}
	m := metrics.New(metrics.Server, metrics.Boundaries{})
	srv := NewServerSupervisor(&config.Server{APIKey: "k"}, intake, nil, m)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	header := map[string][]string{apiKeyHeader: {"k"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	require.NoError(t, err)
	defer ws.Close()

	payload, err := frame.Pack([]byte("topic"), []byte("body"), nil, 0)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, payload))

	require.Eventually(t, func() bool { return intake.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_RejectsSecondConnectionWithPolicyViolation(t *testing.T) {
	intake := &fakeIntake{}
	srv := NewServerSupervisor(&config.Server{APIKey: "k"}, intake, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	header := map[string][]string{apiKeyHeader: {"k"}}
	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	require.NoError(t, err)
	defer first.Close()

	// Give the server a moment to adopt the first connection.
	require.Eventually(t, func() bool {
		_, ok := srv.WritableTransport()
		return ok
	}, time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestServer_PausedConnectionStillRejectsNewcomers(t *testing.T) {
	intake := &fakeIntake{}
	srv := NewServerSupervisor(&config.Server{APIKey: "k"}, intake, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	header := map[string][]string{apiKeyHeader: {"k"}}
	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		_, ok := srv.WritableTransport()
		return ok
	}, time.Second, 10*time.Millisecond)

	// Simulate write pressure: the current connection pauses but is not
	// disconnected, so it must keep owning the single active slot.
	srv.mu.Lock()
	current := srv.current
	srv.mu.Unlock()
	require.NotNil(t, current)
	current.writeMu.Lock()
	current.pauseLocked()
	current.writeMu.Unlock()

	_, writable := srv.WritableTransport()
	require.False(t, writable)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestClientSupervisor_TLSConfig_CheckHostnameFalseSkipsHostnameOnly(t *testing.T) {
	cfg := &config.Client{TLS: config.TLSConfig{CheckHostname: false}}
	cs := NewClientSupervisor(cfg, &fakeIntake{}, nil, nil)
	tlsCfg, err := cs.tlsConfig()
	require.NoError(t, err)
	assert.True(t, tlsCfg.InsecureSkipVerify)
	assert.NotNil(t, tlsCfg.VerifyPeerCertificate)
}

func TestClientSupervisor_TLSConfig_CheckHostnameUsesRootCAs(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()
	caFile := writeTemp(t, dir, "ca.pem", ca.caCertPEM)

	cfg := &config.Client{TLS: config.TLSConfig{CAFile: caFile, CheckHostname: true}}
	cs := NewClientSupervisor(cfg, &fakeIntake{}, nil, nil)
	tlsCfg, err := cs.tlsConfig()
	require.NoError(t, err)
	assert.False(t, tlsCfg.InsecureSkipVerify)
	assert.NotNil(t, tlsCfg.RootCAs)
}

func TestMutualTLS_ClientAndServerHandshake(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()

	serverCertPEM, serverKeyPEM := ca.issue(t, "127.0.0.1", []string{"localhost"})
	clientCertPEM, clientKeyPEM := ca.issue(t, "cloudpin-client", nil)

	caFile := writeTemp(t, dir, "ca.pem", ca.caCertPEM)
	serverCertFile := writeTemp(t, dir, "server.pem", serverCertPEM)
	serverKeyFile := writeTemp(t, dir, "server-key.pem", serverKeyPEM)
	clientCertFile := writeTemp(t, dir, "client.pem", clientCertPEM)
	clientKeyFile := writeTemp(t, dir, "client-key.pem", clientKeyPEM)

	intake := &fakeIntake{}
	srv := NewServerSupervisor(&config.Server{
		APIKey: "k",
		TLS: &config.TLSConfig{
			CAFile:             caFile,
			CertFile:           serverCertFile,
			KeyFile:            serverKeyFile,
			ClientCertRequired: true,
		},
	}, intake, nil, nil)

	serverTLSCfg, err := srv.TLSConfig()
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(srv.Router())
	ts.TLS = serverTLSCfg
	ts.StartTLS()
	defer ts.Close()

	clientCfg := &config.Client{
		ServerURL: wsURL(ts.URL),
		APIKey:    "k",
		TLS: config.TLSConfig{
			CAFile:        caFile,
			CertFile:      clientCertFile,
			KeyFile:       clientKeyFile,
			CheckHostname: true,
		},
	}
	cs := NewClientSupervisor(clientCfg, intake, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cs.connect(ctx))

	require.Eventually(t, func() bool {
		_, ok := cs.WritableTransport()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
