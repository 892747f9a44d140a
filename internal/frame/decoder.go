// Package frame decodes the nDPIsrvd wire format: a fixed-width ASCII decimal
// length header, a JSON object, a newline delimiter, repeated.
//
// The distributor counts the trailing newline inside the declared length;
// senders that exclude it are accepted too. When the header disagrees with
// the position of the delimiter the decoder resynchronises on the next
// newline, so a single bad header costs at most one record.
package frame

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/heidpi/internal/event"
	"github.com/gyaneshwarpardhi/heidpi/internal/metrics"
)

const delimiter = '\n'

// Drop reasons, used as metric labels.
const (
	reasonNoise    = "noise"
	reasonHeader   = "header"
	reasonTooLarge = "too_large"
	reasonOverflow = "overflow"
	reasonUTF8     = "utf8"
	reasonJSON     = "json"
	reasonObject   = "not_object"
)

type step int

const (
	needMore step = iota
	skip
	payload
	discard
)

// Decoder is an incremental frame parser. It is not safe for concurrent use;
// one Decoder belongs to one connection.
type Decoder struct {
	width    int
	maxSize  int
	buf      []byte
	skipping bool // inside an overflowed line, dropping up to its delimiter
	log      zerolog.Logger
}

// NewDecoder returns a decoder for headers of the given width and payloads of
// at most maxSize bytes.
func NewDecoder(width, maxSize int, log zerolog.Logger) *Decoder {
	return &Decoder{
		width:   width,
		maxSize: maxSize,
		buf:     make([]byte, 0, maxSize),
		log:     log,
	}
}

// Append buffers chunk and returns every record completed by it, in stream
// order. Bytes of an incomplete trailing frame are kept for the next call.
func (d *Decoder) Append(chunk []byte) []event.Record {
	d.buf = append(d.buf, chunk...)

	var out []event.Record
	start := 0
	for start < len(d.buf) {
		kind, body, n, reason := d.next(d.buf[start:])
		if kind == needMore {
			break
		}
		switch kind {
		case payload:
			if rec, ok := d.decode(body); ok {
				out = append(out, rec)
			}
		case discard:
			metrics.FramesDropped.WithLabelValues(reason).Inc()
			ev := d.log.Warn()
			if reason == reasonNoise {
				ev = d.log.Debug()
			}
			ev.Str("reason", reason).Int("dropped_bytes", n).Msg("frame discarded")
		}
		start += n
	}

	rest := copy(d.buf, d.buf[start:])
	d.buf = d.buf[:rest]
	return out
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial frame. The next byte is read as the
// start of a header.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skipping = false
}

// next inspects the front of b and reports what to do with its first n bytes.
func (d *Decoder) next(b []byte) (kind step, body []byte, n int, reason string) {
	if d.skipping {
		if i := bytes.IndexByte(b, delimiter); i >= 0 {
			d.skipping = false
			return skip, nil, i + 1, ""
		}
		return skip, nil, len(b), ""
	}
	if b[0] == delimiter || b[0] == '\r' {
		return skip, nil, 1, ""
	}

	// A newline inside the header region: too short to be a frame.
	head := b
	if len(head) > d.width {
		head = head[:d.width]
	}
	if i := bytes.IndexByte(head, delimiter); i >= 0 {
		return discard, nil, i + 1, reasonNoise
	}
	if len(b) < d.width {
		return needMore, nil, 0, ""
	}

	size, ok := parseHeader(b[:d.width])
	switch {
	case !ok || size == 0:
		return d.skipLine(b, reasonHeader)
	case size > d.maxSize:
		return d.skipLine(b, reasonTooLarge)
	}

	end := d.width + size
	if len(b) < end {
		return needMore, nil, 0, ""
	}
	if b[end-1] == delimiter {
		return payload, b[d.width : end-1], end, ""
	}
	if len(b) == end {
		return needMore, nil, 0, ""
	}
	if b[end] == delimiter {
		return payload, b[d.width:end], end + 1, ""
	}

	// Header and delimiter disagree; trust the delimiter, but only within
	// the reach of a maximum size frame.
	window := b[d.width:min(len(b), d.limit()+1)]
	if i := bytes.IndexByte(window, delimiter); i >= 0 {
		d.log.Debug().
			Int("declared_length", size).
			Int("actual_length", i).
			Msg("frame length mismatch, resynchronised on delimiter")
		return payload, b[d.width : d.width+i], d.width + i + 1, ""
	}
	return d.skipLine(b, reasonTooLarge)
}

// limit is the furthest offset at which a frame delimiter can sit.
func (d *Decoder) limit() int {
	return d.width + d.maxSize
}

// skipLine discards through the next delimiter. Without one in reach the
// buffer is dropped and the decoder keeps skipping until a delimiter
// arrives, so no tail of the bad line is read as a header.
func (d *Decoder) skipLine(b []byte, reason string) (step, []byte, int, string) {
	if i := bytes.IndexByte(b, delimiter); i >= 0 {
		return discard, nil, i + 1, reason
	}
	if len(b) > d.limit() {
		d.skipping = true
		return discard, nil, len(b), reasonOverflow
	}
	return needMore, nil, 0, ""
}

func (d *Decoder) decode(body []byte) (event.Record, bool) {
	drop := func(reason string, err error) (event.Record, bool) {
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		ev := d.log.Warn().Str("reason", reason).Int("raw_length", len(body))
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("frame discarded")
		return nil, false
	}

	if !utf8.Valid(body) {
		return drop(reasonUTF8, nil)
	}
	if !json.Valid(body) {
		return drop(reasonJSON, nil)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rec event.Record
	if err := dec.Decode(&rec); err != nil {
		return drop(reasonObject, err)
	}
	if rec == nil {
		return drop(reasonObject, nil)
	}
	metrics.FramesDecoded.Inc()
	return rec, true
}

func parseHeader(h []byte) (int, bool) {
	for _, c := range h {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(string(h))
	return n, err == nil
}

// Encode frames payload for sending upstream, counting the trailing newline
// in the declared length the way the distributor does.
func Encode(payload []byte, width int) ([]byte, error) {
	size := len(payload) + 1
	header := strconv.Itoa(size)
	if len(header) > width {
		return nil, fmt.Errorf("frame: payload of %d bytes does not fit a %d digit header", len(payload), width)
	}
	out := make([]byte, 0, width+size)
	out = append(out, bytes.Repeat([]byte{'0'}, width-len(header))...)
	out = append(out, header...)
	out = append(out, payload...)
	return append(out, delimiter), nil
}
