package httpd

import (
	"bytes"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// Transparent response-body compression, negotiated per request from
// Accept-Encoding. Only in-memory bodies are considered: a Response is
// shared between connections, so the encoded copy lives on the
// connection, never on the response.

var (
	encodingBrotli = []byte("br")
	encodingGzip   = []byte("gzip")
)

// maybeEncode compresses the response's inline body for this connection
// when the daemon has encoding enabled and the client negotiated it.
// Bodies that do not shrink are sent as-is.
func (d *Daemon) maybeEncode(c *Connection, resp *Response) {
	if !d.cfg.encoding || c.isHead {
		return
	}
	if len(resp.data) == 0 || resp.hasHeaderFold(headerContentEncoding) {
		return
	}
	accept := c.headers.Get(RequestHeaderKind, headerAcceptEncoding)
	if accept == nil {
		return
	}
	var (
		encoded []byte
		name    string
		err     error
	)
	switch {
	case tokenListContainsFold(accept, encodingBrotli):
		encoded, err = brotliEncode(resp.data)
		name = "br"
	case tokenListContainsFold(accept, encodingGzip):
		encoded, err = gzipEncode(resp.data)
		name = "gzip"
	default:
		return
	}
	if err != nil {
		d.cfg.logger.WithError(err).Debug("response encoding failed")
		return
	}
	if len(encoded) >= len(resp.data) {
		return
	}
	c.encBody = encoded
	c.encName = name
}

func brotliEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
