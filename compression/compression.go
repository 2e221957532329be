// Package compression encodes chunk payloads on the wire.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Encoding names a chunk payload encoding.
type Encoding string

// Supported encodings.
const (
	Identity Encoding = ""
	Zstd     Encoding = "zstd"
)

// ErrTooLarge is returned when a decoded payload exceeds the allowed size.
var ErrTooLarge = errors.New("decoded payload exceeds size limit")

// ParseEncoding ...
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case Identity, "identity":
		return Identity, nil
	case Zstd:
		return Zstd, nil
	}
	return Identity, fmt.Errorf("unsupported chunk encoding: %s", s)
}

// Compress encodes data with zstd.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode wraps r so it yields the decoded payload, failing with ErrTooLarge past maxSize bytes.
// maxSize <= 0 disables the limit.
func Decode(r io.Reader, enc Encoding, maxSize int64) (io.ReadCloser, error) {
	switch enc {
	case Identity:
		return io.NopCloser(limit(r, maxSize)), nil
	case Zstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return &decoder{Reader: limit(zr, maxSize), zr: zr}, nil
	}
	return nil, fmt.Errorf("unsupported chunk encoding: %s", enc)
}

type decoder struct {
	io.Reader
	zr *zstd.Decoder
}

func (d *decoder) Close() error {
	d.zr.Close()
	return nil
}

func limit(r io.Reader, maxSize int64) io.Reader {
	if maxSize <= 0 {
		return r
	}
	return &limitedReader{r: r, remaining: maxSize}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
