package wire

import (
	"bytes"
	"testing"
)

func TestReadEnvelopeRejectsOversizedFrameWithoutDelimiter(t *testing.T) {
	// No zero byte anywhere in the stream: a peer withholding the
	// delimiter must not make ReadEnvelope buffer without limit.
	fr := NewFrameReader(bytes.NewReader(bytes.Repeat([]byte{0x01}, MaxFrameSize+1)))

	if _, err := fr.ReadEnvelope(); err == nil {
		t.Fatal("expected an error for a frame exceeding MaxFrameSize with no delimiter")
	}
}
