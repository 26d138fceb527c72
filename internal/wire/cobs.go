// Package wire implements the framing shared by every byte-stream hop in
// Kassandra: COBS-encoded, zero-byte-delimited frames carrying a CBOR
// envelope. The same framing is used for the host↔enclave stream pair and
// for the client↔host TCP surface, so the host can relay bytes between a
// client and the enclave without parsing anything beyond the envelope's
// top-level op field.
package wire

import "fmt"

// ErrEmptyFrame is returned when decoding an empty COBS frame.
var ErrEmptyFrame = fmt.Errorf("wire: empty frame")

// EncodeCOBS conspacks data using Consistent Overhead Byte Stuffing,
// producing a buffer with no interior zero bytes. Appending a single
// zero byte after the result yields a self-delimiting frame.
func EncodeCOBS(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/254+2)

	// codePos indexes the length byte of the block currently being built.
	codePos := 0
	out = append(out, 0) // placeholder
	code := byte(1)

	emit := func(b byte) {
		out = append(out, b)
		code++
	}

	finishBlock := func() {
		out[codePos] = code
		codePos = len(out)
		out = append(out, 0) // placeholder for next block
		code = 1
	}

	for _, b := range data {
		if b == 0 {
			finishBlock()
			continue
		}
		emit(b)
		if code == 0xFF {
			finishBlock()
		}
	}

	out[codePos] = code
	return out
}

// DecodeCOBS reverses EncodeCOBS. frame must not include the trailing
// zero-byte delimiter.
func DecodeCOBS(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	out := make([]byte, 0, len(frame))
	i := 0
	for i < len(frame) {
		code := frame[i]
		if code == 0 {
			return nil, fmt.Errorf("wire: unexpected zero byte at offset %d", i)
		}
		i++

		blockLen := int(code) - 1
		if i+blockLen > len(frame) {
			return nil, fmt.Errorf("wire: truncated cobs block at offset %d", i)
		}
		out = append(out, frame[i:i+blockLen]...)
		i += blockLen

		if code != 0xFF && i < len(frame) {
			out = append(out, 0)
		}
	}

	return out, nil
}
