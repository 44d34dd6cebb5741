package api

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "gzip, br, zstd"

// decodeResponseBody swaps resp.Body for a decompressing reader when the
// server sent a Content-Encoding the client asked for.
func decodeResponseBody(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return nil
	}
	reader, err := newDecoder(encoding, resp.Body)
	if err != nil {
		return err
	}
	if reader == nil {
		return nil
	}
	resp.Body = reader
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// newDecoder returns nil for encodings it does not handle.
func newDecoder(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("api: create gzip reader: %w", err)
		}
		return &decodedBody{Reader: reader, closers: []func() error{reader.Close, body.Close}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []func() error{body.Close}}, nil
	case "zstd":
		decoder, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("api: create zstd reader: %w", err)
		}
		return &decodedBody{Reader: decoder, closers: []func() error{
			func() error { decoder.Close(); return nil },
			body.Close,
		}}, nil
	default:
		return nil, nil
	}
}

type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) Close() error {
	var first error
	for _, closeFn := range d.closers {
		if err := closeFn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
