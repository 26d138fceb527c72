package enclave

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/anoma/kassandra-service/internal/wire"
)

// registerRequest is the client-session "reg" payload, matching spec.md §6's
// wire shape exactly: `dk` is a detection key the client already derived
// itself (fmd.Extract is a client-side operation per spec.md §1 and §4.4 —
// the enclave never calls it), `ek` is the result-encryption key, `birth`
// the scan birthday, and `fpr_log2` only the rate the enclave must validate
// against its configured ceiling.
type registerRequest struct {
	DK      []byte   `cbor:"dk"`
	EK      [32]byte `cbor:"ek"`
	Birth   uint64   `cbor:"birth"`
	FprLog2 uint32   `cbor:"fpr_log2"`
}

type registerResponse struct {
	UUID [16]byte `cbor:"uuid"`
}

// handleClientPayload dispatches one decrypted client-session message,
// itself a nested wire.Envelope, and returns the plaintext of its reply
// envelope. Query is deliberately not handled here: spec.md's host answers
// "q" directly from its own result store without ever forwarding it into
// the enclave tunnel, since a query only ever returns ciphertext the host
// already holds and cannot read (see internal/host/gateway.go's handleQuery).
func (e *Engine) handleClientPayload(plaintext []byte) ([]byte, error) {
	var env wire.Envelope
	if err := cbor.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("%w: client session payload: %v", ErrMalformedBatch, err)
	}

	var reply wire.Envelope
	switch env.Op {
	case "reg":
		r, err := e.handleRegister(env)
		if err != nil {
			reply = wire.NewErrEnvelope("reg", wireKind(err), err.Error())
			break
		}
		reply = r
	default:
		err := fmt.Errorf("%w: unrecognized client op %q", ErrMalformedBatch, env.Op)
		reply = wire.NewErrEnvelope(env.Op, wireKind(err), err.Error())
	}

	out, err := cbor.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("enclave: marshal client reply: %w", err)
	}
	return out, nil
}

func (e *Engine) handleRegister(env wire.Envelope) (wire.Envelope, error) {
	var req registerRequest
	if err := env.Decode(&req); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	if req.FprLog2 > e.maxFprLog2 {
		return wire.Envelope{}, ErrFprTooLow
	}

	id, err := e.registry.Register(req.DK, req.EK, req.Birth)
	if err != nil {
		return wire.Envelope{}, err
	}

	return wire.NewEnvelope("reg_ok", registerResponse{UUID: id})
}
