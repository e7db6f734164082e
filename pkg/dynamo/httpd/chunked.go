package httpd

import "bytes"

// Chunked request-body framing (RFC 7230 §4.1):
//
//	chunk        = chunk-size [ chunk-ext ] CRLF chunk-data CRLF
//	last-chunk   = 1*("0") [ chunk-ext ] CRLF
//	trailer      = *( field-line CRLF )
//	chunked-body = *chunk last-chunk trailer CRLF
//
// The decoder is an explicit sub-state machine driven by the connection's
// read buffer. It tracks framing only; decoded body bytes are delivered to
// the access handler by the connection, which reports back how much the
// handler consumed. Chunk extensions are parsed past and ignored.
type chunkPhase uint8

const (
	chunkAwaitSize chunkPhase = iota
	chunkAwaitData
	chunkAwaitDataCRLF
	chunkAwaitTrailer
	chunkDone
)

// maxChunkSize bounds a single chunk. A hex size line claiming more is
// treated as malformed rather than allowed to overflow the accounting.
const maxChunkSize = 1 << 40

type chunkDecoder struct {
	phase     chunkPhase
	remaining uint64
}

func (d *chunkDecoder) reset() {
	d.phase = chunkAwaitSize
	d.remaining = 0
}

// parseSizeLine consumes one size line ("hex-size [; ext]") and advances
// the phase: to chunkAwaitData for a non-zero chunk, to chunkAwaitTrailer
// for the terminating zero chunk. The line has already been stripped of
// its CRLF.
func (d *chunkDecoder) parseSizeLine(line []byte) error {
	if ext := bytes.IndexByte(line, ';'); ext >= 0 {
		line = line[:ext]
	}
	line = trimOWS(line)
	if len(line) == 0 {
		return ErrMalformedRequest
	}
	var size uint64
	for _, b := range line {
		var digit uint64
		switch {
		case b >= '0' && b <= '9':
			digit = uint64(b - '0')
		case b >= 'a' && b <= 'f':
			digit = uint64(b-'a') + 10
		case b >= 'A' && b <= 'F':
			digit = uint64(b-'A') + 10
		default:
			return ErrMalformedRequest
		}
		size = size<<4 | digit
		if size > maxChunkSize {
			return ErrMalformedRequest
		}
	}
	d.remaining = size
	if size == 0 {
		d.phase = chunkAwaitTrailer
	} else {
		d.phase = chunkAwaitData
	}
	return nil
}

// dataWindow returns the prefix of buf that belongs to the current chunk.
func (d *chunkDecoder) dataWindow(buf []byte) []byte {
	if d.remaining < uint64(len(buf)) {
		return buf[:d.remaining]
	}
	return buf
}

// consumed records n delivered-and-consumed data bytes and advances to
// the chunk-terminating CRLF when the chunk is exhausted.
func (d *chunkDecoder) consumed(n int) {
	d.remaining -= uint64(n)
	if d.remaining == 0 {
		d.phase = chunkAwaitDataCRLF
	}
}

// parseDataCRLF consumes the CRLF that terminates a chunk's data. A bare
// LF is tolerated, matching the request-line tie-break. Returns the number
// of bytes consumed, 0 when more input is needed, or an error.
func (d *chunkDecoder) parseDataCRLF(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] == '\n' {
		d.phase = chunkAwaitSize
		return 1, nil
	}
	if buf[0] != '\r' {
		return 0, ErrMalformedRequest
	}
	if len(buf) < 2 {
		return 0, nil
	}
	if buf[1] != '\n' {
		return 0, ErrMalformedRequest
	}
	d.phase = chunkAwaitSize
	return 2, nil
}
