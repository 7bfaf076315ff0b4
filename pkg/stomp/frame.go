// Package stomp carries STOMP 1.2 frames over websocket messages. A websocket
// message holds one or more frames, optionally followed by heart-beat EOLs.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// HeaderAuthorization carries the bearer token on CONNECT.
const HeaderAuthorization = "Authorization"

var ErrMalformedFrame = errors.New("malformed frame")

// Encode writes f to w as a single frame. A content-length header is set for
// frames with a body.
func Encode(w io.Writer, f *frame.Frame) error {
	if f.Header == nil {
		f.Header = frame.NewHeader()
	}
	if len(f.Body) > 0 {
		f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

// Decode reads every frame in r until it is exhausted. Heart-beats are skipped, so
// a message holding only EOLs decodes to no frames.
func Decode(r io.Reader) ([]*frame.Frame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	// the frame reader buffers; feeding it a byte at a time keeps src.Len() equal
	// to what is left unparsed
	src := bytes.NewReader(data)
	fr := frame.NewReader(byteReader{src})
	var frames []*frame.Frame
	for {
		rest := data[len(data)-src.Len():]
		if len(bytes.TrimLeft(rest, "\r\n")) == 0 {
			return frames, nil
		}
		f, err := fr.Read()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w: %w", ErrMalformedFrame, err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

type byteReader struct {
	r io.Reader
}

func (b byteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return b.r.Read(p[:1])
}
