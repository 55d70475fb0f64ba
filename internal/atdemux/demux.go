// Package atdemux implements the UART reader/demultiplexer (C4): the sole
// consumer of UART bytes. It resolves AT tokens via internal/attoken and
// extracts +IPD frames by declared length, with a corruption guard against
// an overlapping frame header. Grounded on the teacher's
// internal/serial.Codec.DecodeStream resync-on-corruption loop (preamble
// realignment, one-byte resync on mismatch) and on json_line_reader_stream's
// next_frame_pos corruption check in
// original_source/src/uart_tcp_server.py, narrowed per spec's tighter
// accumulation rule: only bytes following an observed, not-yet-complete
// +IPD header are treated as frame data; everything else is line-scanned.
package atdemux

import (
	"bytes"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atmsg"
	"github.com/emile-cronje/at-bridge/internal/attoken"
	"github.com/emile-cronje/at-bridge/internal/bridgemetrics"
)

var knownTokens = []string{"OK", "ERROR", "FAIL", "SEND OK", "ALREADY CONNECTED"}

const (
	defaultMaxLineBytes = 2048
	minKeepBudget       = 512
)

// Demux is the single UART byte-stream consumer. It is not safe for
// concurrent Feed calls; exactly one goroutine (atbridge's UART read pump)
// may call Feed, per the single-reader invariant.
type Demux struct {
	tokens       *attoken.Registry
	logger       *slog.Logger
	buf          bytes.Buffer
	maxLineBytes int
	inbound      chan atmsg.IpdFrame
	lastRX       atomic.Int64 // unix nanoseconds
}

// New constructs a Demux. inboundBuf sizes the channel of extracted frames;
// a full channel will block Feed (and therefore its caller), so callers should keep
// it drained.
func New(tokens *attoken.Registry, logger *slog.Logger, inboundBuf int) *Demux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demux{
		tokens:       tokens,
		logger:       logger,
		maxLineBytes: defaultMaxLineBytes,
		inbound:      make(chan atmsg.IpdFrame, inboundBuf),
	}
}

// Inbound returns the channel of decoded +IPD frames (and JSON-line
// fallbacks), in wire order.
func (d *Demux) Inbound() <-chan atmsg.IpdFrame { return d.inbound }

// LastRxTime reports the last time Feed observed any bytes. Used by the
// watchdog (C8) to compute rx_age.
func (d *Demux) LastRxTime() time.Time {
	ns := d.lastRX.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Feed appends newly read bytes and runs one pass of prompt scan, frame
// extraction, and line scan, in that order, per the C4 algorithm.
func (d *Demux) Feed(data []byte) {
	if len(data) > 0 {
		d.buf.Write(data)
		d.lastRX.Store(time.Now().UnixNano())
	}
	d.scanPrompt()
	pending := d.extractFrames()
	if !pending {
		d.scanLines()
	}
}

// scanPrompt resolves the '>' token on every occurrence and removes just
// that one byte, leaving surrounding bytes (which may be part of an
// in-progress AT response line) untouched.
func (d *Demux) scanPrompt() {
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '>')
		if idx < 0 {
			return
		}
		d.tokens.Resolve(">")
		rest := append(append([]byte(nil), data[:idx]...), data[idx+1:]...)
		d.buf.Reset()
		d.buf.Write(rest)
	}
}

// extractFrames pulls as many complete +IPD frames as are available,
// applying the corruption guard, and reports whether a +IPD header is still
// pending (incomplete) in the buffer -- in which case line scanning must be
// skipped so it does not consume bytes that belong to the frame.
//
// Any complete AT token line buffered ahead of a +IPD marker in the same
// chunk is scanned and resolved before that prefix is ever discarded, so a
// "SEND OK\r\n+IPD,..." arriving in one Feed() call does not lose the token.
func (d *Demux) extractFrames() (pending bool) {
	const marker = "+IPD,"
	for {
		data := d.buf.Bytes()
		idx := bytes.Index(data, []byte(marker))
		if idx < 0 {
			return false
		}
		if idx > 0 {
			d.scanLinesInPrefix(data[:idx])
			d.buf.Next(idx)
			continue
		}
		headerStart := idx + len(marker)
		if headerStart > len(data) {
			return true
		}
		colonRel := bytes.IndexByte(data[headerStart:], ':')
		if colonRel < 0 {
			return true // header incomplete; wait for more bytes
		}
		colonAbs := headerStart + colonRel
		header := string(data[headerStart:colonAbs])
		linkID, declaredLen, ok := parseIpdHeader(header)
		if !ok {
			// Malformed header: resync past this marker occurrence.
			bridgemetrics.IncFrameCorrupt()
			d.buf.Next(colonAbs + 1)
			continue
		}
		payloadStart := colonAbs + 1
		payloadEnd := payloadStart + declaredLen

		if nextAbs, found := indexFrom(data, payloadStart, "\r\n"+marker); found && nextAbs < payloadEnd {
			// Corruption guard: another frame header overlaps this one's
			// declared extent. Discard up to the next frame marker.
			bridgemetrics.IncFrameCorrupt()
			d.logger.Warn("ipd_frame_corrupt", "link_id", linkID, "declared_len", declaredLen)
			d.buf.Next(nextAbs + 2) // skip the \r\n, leave the marker itself
			continue
		}
		if len(data) < payloadEnd {
			return true // full payload not yet available
		}

		payload := append([]byte(nil), data[payloadStart:payloadEnd]...)
		payload = bytes.TrimSuffix(payload, []byte("\r\n"))
		d.buf.Next(payloadEnd)
		bridgemetrics.IncFrameDecoded()
		d.inbound <- atmsg.IpdFrame{LinkID: linkID, Payload: payload}
	}
}

// scanLinesInPrefix resolves AT tokens (and emits fallback JSON messages)
// for any complete lines found in data, a prefix immediately ahead of a
// +IPD marker that is about to be consumed from the buffer. A trailing
// fragment with no closing CRLF is not a complete line and is left for the
// caller to discard along with the rest of the prefix.
func (d *Demux) scanLinesInPrefix(data []byte) {
	lastCRLF := bytes.LastIndex(data, []byte("\r\n"))
	if lastCRLF < 0 {
		return
	}
	for _, line := range bytes.Split(data[:lastCRLF], []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		s := string(line)
		if isKnownToken(s) {
			d.tokens.Resolve(s)
			continue
		}
		if looksLikeTopLevelJSON(line) {
			d.inbound <- atmsg.IpdFrame{LinkID: 0, Payload: append([]byte(nil), line...)}
			continue
		}
		d.logger.Debug("at_line", "line", truncateForLog(s, d.maxLineBytes))
	}
}

// scanLines processes complete (CRLF-terminated) lines from the buffer:
// known AT tokens resolve their waiter, lines holding a top-level JSON
// object are emitted as a fallback frame, everything else is logged. The
// trailing partial line (if any) is left in the buffer.
func (d *Demux) scanLines() {
	data := d.buf.Bytes()
	lastCRLF := bytes.LastIndex(data, []byte("\r\n"))
	if lastCRLF < 0 {
		d.enforceByteBudget()
		return
	}
	complete := data[:lastCRLF]
	for _, line := range bytes.Split(complete, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		s := string(line)
		if isKnownToken(s) {
			d.tokens.Resolve(s)
			continue
		}
		if looksLikeTopLevelJSON(line) {
			d.inbound <- atmsg.IpdFrame{LinkID: 0, Payload: append([]byte(nil), line...)}
			continue
		}
		d.logger.Debug("at_line", "line", truncateForLog(s, d.maxLineBytes))
	}
	d.buf.Next(lastCRLF + 2)
	d.enforceByteBudget()
}

// enforceByteBudget bounds buffer growth so a runaway peer that never sends
// a recognizable line cannot starve the loop.
func (d *Demux) enforceByteBudget() {
	keep := 2 * d.maxLineBytes
	if keep < minKeepBudget {
		keep = minKeepBudget
	}
	if d.buf.Len() <= keep {
		return
	}
	data := d.buf.Bytes()
	drop := len(data) - keep
	d.buf.Next(drop)
}

func isKnownToken(s string) bool {
	for _, t := range knownTokens {
		if s == t {
			return true
		}
	}
	return false
}

// looksLikeTopLevelJSON reports whether line is a single balanced top-level
// JSON object: starts with '{', brace depth returns to zero exactly at the
// final byte, and never goes negative.
func looksLikeTopLevelJSON(line []byte) bool {
	if len(line) == 0 || line[0] != '{' {
		return false
	}
	depth := 0
	for i, b := range line {
		switch b {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
			if depth == 0 {
				return i == len(line)-1
			}
		}
	}
	return false
}

func truncateForLog(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// parseIpdHeader parses "<len>" or "<id>,<len>" into (linkID, length).
func parseIpdHeader(header string) (linkID int, length int, ok bool) {
	if idx := bytes.IndexByte([]byte(header), ','); idx >= 0 {
		idPart := header[:idx]
		lenPart := header[idx+1:]
		id, err1 := strconv.Atoi(idPart)
		ln, err2 := strconv.Atoi(lenPart)
		if err1 != nil || err2 != nil || ln < 0 {
			return 0, 0, false
		}
		return id, ln, true
	}
	ln, err := strconv.Atoi(header)
	if err != nil || ln < 0 {
		return 0, 0, false
	}
	return 0, ln, true
}

// indexFrom finds sub in data[from:], returning its absolute index in data.
func indexFrom(data []byte, from int, sub string) (int, bool) {
	if from > len(data) {
		return 0, false
	}
	rel := bytes.Index(data[from:], []byte(sub))
	if rel < 0 {
		return 0, false
	}
	return from + rel, true
}
