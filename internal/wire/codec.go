// ABOUTME: Newline-delimited JSON framing for envelope streams.
// ABOUTME: One envelope per line; oversized or malformed lines are protocol faults.

package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes caps a single encoded envelope. Anything larger is treated
// as a protocol fault rather than buffered indefinitely.
const MaxFrameBytes = 1 << 20

// Framing faults. A too-large frame leaves the scanner unusable and tears
// the stream down; a malformed frame is recoverable — the caller may drop it
// and keep decoding.
var (
	ErrFrameTooLarge  = errors.New("wire: frame exceeds size limit")
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Encoder writes envelopes as single JSON lines.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w for envelope writing.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one envelope followed by a newline and flushes.
func (enc *Encoder) Encode(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	if _, err := enc.w.Write(data); err != nil {
		return err
	}
	if err := enc.w.WriteByte('\n'); err != nil {
		return err
	}
	return enc.w.Flush()
}

// Decoder reads newline-delimited envelopes from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r for envelope reading.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes)
	return &Decoder{scanner: scanner}
}

// Decode reads the next envelope. It returns io.EOF when the stream ends
// cleanly and ErrMalformedFrame for a frame that fails to parse or validate;
// after a malformed frame the decoder remains usable.
func (dec *Decoder) Decode() (Envelope, error) {
	for dec.scanner.Scan() {
		line := dec.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := env.Validate(); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return env, nil
	}
	if err := dec.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Envelope{}, ErrFrameTooLarge
		}
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}
