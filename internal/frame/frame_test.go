package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		topic []byte
		body  []byte
		extra []byte
	}{
		{"all non-empty", []byte("abc"), []byte("hello"), []byte("xyz")},
		{"empty extra", []byte("topic"), []byte("body"), nil},
		{"empty topic", nil, []byte("body"), []byte("extra")},
		{"empty body", []byte("topic"), nil, []byte("extra")},
		{"all empty", nil, nil, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			packed, err := Pack(tc.topic, tc.body, tc.extra, 0)
			require.NoError(t, err)

			got, err := Unpack(packed)
			require.NoError(t, err)

			assert.Equal(t, tc.topic, normalize(got.Topic))
			assert.Equal(t, tc.body, normalize(got.Body))
			assert.Equal(t, tc.extra, normalize(got.Extra))
		})
	}
}

// normalize treats a zero-length slice the same as nil for comparison, since
// Unpack always returns non-nil zero-length slices for empty regions.
func normalize(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func TestUnpackMalformedShortHeader(t *testing.T) {
	_, err := Unpack([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnpackMalformedInconsistentLengths(t *testing.T) {
	payload, err := Pack([]byte("topic"), []byte("body"), []byte("extra"), 0)
	require.NoError(t, err)

	// Truncate into the body region so the declared lengths overrun the
	// payload; merely shortening extra would still be a valid frame.
	truncated := payload[:HeaderSize+len("topic")+len("body")-1]
	_, err = Unpack(truncated)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestPackRejectsOversizedPayload(t *testing.T) {
	_, err := Pack([]byte("topic"), make([]byte, 100), nil, 50)
	assert.ErrorIs(t, err, ErrOversized)
}

func TestPackZeroMaxDisablesCap(t *testing.T) {
	_, err := Pack([]byte("t"), make([]byte, 1<<20), nil, 0)
	assert.NoError(t, err)
}
