package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is the only value ever placed in Envelope.V.
const ProtocolVersion = 1

// Envelope is the single message shape exchanged over every framed
// connection in Kassandra (spec.md §6): "v", "op", "body".
type Envelope struct {
	V    int             `cbor:"v"`
	Op   string          `cbor:"op"`
	Body cbor.RawMessage `cbor:"body"`
}

// ErrBody is the shape of an "_err"-suffixed reply body.
type ErrBody struct {
	Kind string `cbor:"kind"`
	Msg  string `cbor:"msg"`
}

// NewEnvelope builds an Envelope by CBOR-encoding body into its raw slot.
func NewEnvelope(op string, body any) (Envelope, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal body for op %q: %w", op, err)
	}
	return Envelope{V: ProtocolVersion, Op: op, Body: raw}, nil
}

// NewErrEnvelope builds an "_err" envelope for the given base op.
func NewErrEnvelope(baseOp, kind, msg string) Envelope {
	env, err := NewEnvelope(baseOp+"_err", ErrBody{Kind: kind, Msg: msg})
	if err != nil {
		// ErrBody always marshals; this path is unreachable in practice.
		panic(fmt.Sprintf("wire: marshal ErrBody: %v", err))
	}
	return env
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if err := cbor.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("wire: decode body for op %q: %w", e.Op, err)
	}
	return nil
}

// IsErr reports whether this envelope carries an "_err"-suffixed op.
func (e Envelope) IsErr() bool {
	return len(e.Op) > 4 && e.Op[len(e.Op)-4:] == "_err"
}

// FrameWriter writes one COBS/CBOR frame per call. It is not safe for
// concurrent use — callers must serialize writes themselves (the host's
// single-owner driver does this naturally).
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for framed envelope writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteEnvelope serializes env to CBOR, COBS-encodes it, and writes the
// frame followed by its zero-byte delimiter.
func (fw *FrameWriter) WriteEnvelope(env Envelope) error {
	raw, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}

	frame := EncodeCOBS(raw)
	frame = append(frame, 0)

	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// MaxFrameSize bounds how many bytes ReadEnvelope will buffer looking for
// the zero-byte delimiter. Gateway connections are read before any
// handshake or attestation completes, so an unbounded read would let a
// peer that never sends the delimiter grow the buffer without limit.
const MaxFrameSize = 1 << 20 // 1 MiB

// FrameReader reads one COBS/CBOR frame per call, delimited by a zero byte.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for framed envelope reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadEnvelope blocks until one complete frame is available, decodes it,
// and returns the envelope. io.EOF is returned verbatim when the
// underlying stream closes cleanly between frames.
func (fr *FrameReader) ReadEnvelope() (Envelope, error) {
	raw, err := fr.readFrame()
	if err != nil {
		if err == io.EOF && len(raw) == 0 {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("wire: read frame: %w", err)
	}

	frame := raw[:len(raw)-1] // drop the trailing zero delimiter
	decoded, err := DecodeCOBS(frame)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: decode cobs frame: %w", err)
	}

	var env Envelope
	if err := cbor.Unmarshal(decoded, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env, nil
}

// readFrame reads up to and including the next zero-byte delimiter,
// copying bufio's internal chunks out as it goes (ReadSlice's result is
// only valid until the next read) and bailing once MaxFrameSize is
// exceeded without finding one.
func (fr *FrameReader) readFrame() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := fr.r.ReadSlice(0)
		buf = append(buf, chunk...)
		if len(buf) > MaxFrameSize {
			return buf, fmt.Errorf("wire: frame exceeds %d bytes without delimiter", MaxFrameSize)
		}
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return buf, err
	}
}
