package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validClientConfig() *Client {
	return &Client{
		Base: Base{
			Source:           ReaderConfig{URL: "bind:tcp://0.0.0.0:5000", ResultsQueueSize: 100},
			Sink:             WriterConfig{URL: "connect:tcp://0.0.0.0:5001", MaxInflightMessages: 100},
			IOTimeout:        100 * time.Millisecond,
			ReconnectTimeout: 2 * time.Second,
		},
		ServerURL: "wss://example.com/cloudpin",
		APIKey:    "secret",
	}
}

func TestClientValidate_OK(t *testing.T) {
	c := validClientConfig()
	assert.NoError(t, c.Validate())
}

func TestClientValidate_RejectsBadSourceURL(t *testing.T) {
	c := validClientConfig()
	c.Source.URL = "tcp://0.0.0.0:5000"
	assert.ErrorIs(t, c.Validate(), ErrInvalid)
}

func TestClientValidate_RejectsBadSinkURL(t *testing.T) {
	c := validClientConfig()
	c.Sink.URL = "router+bind:tcp://0.0.0.0:5000"
	assert.ErrorIs(t, c.Validate(), ErrInvalid)
}

func TestClientValidate_RequiresWSSUnlessInsecure(t *testing.T) {
	c := validClientConfig()
	c.ServerURL = "ws://example.com/cloudpin"
	assert.ErrorIs(t, c.Validate(), ErrInvalid)

	c.TLS.Insecure = true
	assert.NoError(t, c.Validate())
}

func TestClientValidate_RequiresAPIKey(t *testing.T) {
	c := validClientConfig()
	c.APIKey = ""
	assert.ErrorIs(t, c.Validate(), ErrInvalid)
}

func TestServerValidate_OK(t *testing.T) {
	s := &Server{
		Base: Base{
			Source:           ReaderConfig{URL: "router+bind:tcp://0.0.0.0:5000", ResultsQueueSize: 100},
			Sink:             WriterConfig{URL: "dealer+connect:tcp://0.0.0.0:5001", MaxInflightMessages: 100},
			IOTimeout:        100 * time.Millisecond,
			ReconnectTimeout: 2 * time.Second,
		},
		ListenURL: "0.0.0.0:8443",
		APIKey:    "secret",
	}
	assert.NoError(t, s.Validate())
	assert.Equal(t, 80, s.DefaultPort())

	s.TLS = &TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"}
	assert.Equal(t, 443, s.DefaultPort())
}

func TestServerAddr(t *testing.T) {
	s := &Server{ListenURL: "0.0.0.0:8443"}
	addr, err := s.Addr()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8443", addr)

	s = &Server{ListenURL: "wss://0.0.0.0/cloudpin", TLS: &TLSConfig{CertFile: "c", KeyFile: "k"}}
	addr, err = s.Addr()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0:443", addr)

	s = &Server{ListenURL: "0.0.0.0"}
	addr, err = s.Addr()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0:80", addr)
}

func TestEnvHelpersFallBackOnUnsetOrInvalid(t *testing.T) {
	t.Setenv("CLOUDPIN_TEST_INT", "not-an-int")
	assert.Equal(t, 42, envInt("CLOUDPIN_TEST_INT", 42))
	assert.Equal(t, 7, envInt("CLOUDPIN_TEST_INT_UNSET", 7))

	t.Setenv("CLOUDPIN_TEST_BOOL", "not-a-bool")
	assert.Equal(t, true, envBool("CLOUDPIN_TEST_BOOL", true))
}
