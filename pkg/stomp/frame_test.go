package stomp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("sets content-length", func(t *testing.T) {
		f := frame.New(frame.SEND, frame.Destination, "/app/chat", frame.ContentType, "application/json")
		f.Body = []byte(`{"a":1}`)

		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, f))
		out := buf.String()
		assert.True(t, strings.HasPrefix(out, "SEND\n"))
		assert.Contains(t, out, "destination:/app/chat\n")
		assert.Contains(t, out, "content-length:7\n")
		assert.True(t, strings.HasSuffix(out, "\n\n{\"a\":1}\x00"))
	})

	t.Run("frame without headers", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, &frame.Frame{Command: frame.DISCONNECT}))
		assert.Equal(t, "DISCONNECT\n\n\x00", buf.String())
	})
}

func TestDecode(t *testing.T) {
	t.Run("message frame", func(t *testing.T) {
		raw := "MESSAGE\nsubscription:sub-1\ndestination:/user/7/queue/messages\nmessage-id:9\n\n{\"id\":1}\x00\n"
		frames, err := Decode(strings.NewReader(raw))
		require.NoError(t, err)
		require.Len(t, frames, 1)
		f := frames[0]
		assert.Equal(t, frame.MESSAGE, f.Command)
		assert.Equal(t, "sub-1", f.Header.Get(frame.Subscription))
		assert.Equal(t, "/user/7/queue/messages", f.Header.Get(frame.Destination))
		assert.Equal(t, `{"id":1}`, string(f.Body))
	})

	t.Run("several frames in one message", func(t *testing.T) {
		raw := "MESSAGE\nmessage-id:1\n\nfirst\x00\nMESSAGE\nmessage-id:2\n\nsecond\x00" +
			"RECEIPT\nreceipt-id:r-1\n\n\x00\n\n"
		frames, err := Decode(strings.NewReader(raw))
		require.NoError(t, err)
		require.Len(t, frames, 3)
		assert.Equal(t, "first", string(frames[0].Body))
		assert.Equal(t, "second", string(frames[1].Body))
		assert.Equal(t, frame.RECEIPT, frames[2].Command)
		assert.Equal(t, "r-1", frames[2].Header.Get(frame.ReceiptId))
	})

	t.Run("content-length allows NULL in body", func(t *testing.T) {
		frames, err := Decode(strings.NewReader("MESSAGE\ncontent-length:3\n\na\x00b\x00"))
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, []byte("a\x00b"), frames[0].Body)
	})

	t.Run("heart-beat", func(t *testing.T) {
		frames, err := Decode(strings.NewReader("\n"))
		require.NoError(t, err)
		assert.Empty(t, frames)
	})

	t.Run("errors", func(t *testing.T) {
		cases := map[string]string{
			"unknown command":     "HELLO\n\n\x00",
			"no terminator":       "MESSAGE\n\nbody",
			"length past the end": "MESSAGE\ncontent-length:10\n\nabc\x00",
			"truncated second":    "MESSAGE\n\nfirst\x00\nMESSAGE\ndestination:/x\n",
		}
		for name, raw := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := Decode(strings.NewReader(raw))
				assert.ErrorIs(t, err, ErrMalformedFrame)
			})
		}
	})
}

func TestRoundTrip(t *testing.T) {
	f := frame.New(frame.ERROR, frame.Message, "bad\nthing")
	f.Body = []byte("details")
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, f))
	require.NoError(t, Encode(&buf, frame.New(frame.RECEIPT, frame.ReceiptId, "r-1")))

	frames, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, frame.ERROR, frames[0].Command)
	assert.Equal(t, "bad\nthing", frames[0].Header.Get(frame.Message))
	assert.Equal(t, "details", string(frames[0].Body))
	assert.Equal(t, frame.RECEIPT, frames[1].Command)
}
