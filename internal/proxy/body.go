package proxy

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// requestBody hands the client's request body to successive attempts.
// Bodies of known length up to the replay limit are buffered; larger or
// unknown bodies are streamed once and cannot be replayed after the first
// byte was read.
type requestBody struct {
	empty    bool
	buf      []byte
	stream   io.ReadCloser
	consumed atomic.Bool
}

func newRequestBody(req *http.Request, maxReplay int64) (*requestBody, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return &requestBody{empty: true}, nil
	}

	if req.ContentLength >= 0 && req.ContentLength <= maxReplay {
		buf, err := io.ReadAll(io.LimitReader(req.Body, maxReplay+1))
		if err != nil {
			return nil, err
		}
		if int64(len(buf)) <= maxReplay {
			return &requestBody{buf: buf}, nil
		}
		// The declared length was wrong; keep what was read in front of
		// the rest of the stream.
		rb := &requestBody{stream: struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}}
		return rb, nil
	}

	return &requestBody{stream: req.Body}, nil
}

// reader returns the body for the next attempt and its length, -1 when
// unknown.
func (b *requestBody) reader() (io.ReadCloser, int64) {
	switch {
	case b.empty:
		return http.NoBody, 0
	case b.buf != nil:
		return io.NopCloser(bytes.NewReader(b.buf)), int64(len(b.buf))
	default:
		return &streamReader{r: b.stream, consumed: &b.consumed}, -1
	}
}

// replayable reports whether another attempt can send the full body.
func (b *requestBody) replayable() bool {
	return b.empty || b.buf != nil || !b.consumed.Load()
}

// streamReader marks the stream consumed on the first byte and leaves
// closing the client's body to the server.
type streamReader struct {
	r        io.Reader
	consumed *atomic.Bool
}

func (s *streamReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.consumed.Store(true)
	}
	return n, err
}

func (s *streamReader) Close() error {
	return nil
}

// releaseBody runs release once the response body reaches EOF, fails or
// is closed.
type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func newReleaseBody(body io.ReadCloser, release func()) *releaseBody {
	return &releaseBody{ReadCloser: body, release: release}
}

func (b *releaseBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.done()
	}
	return n, err
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.done()
	return err
}

func (b *releaseBody) done() {
	b.once.Do(b.release)
}
