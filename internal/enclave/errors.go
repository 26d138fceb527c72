package enclave

import (
	"errors"

	"github.com/anoma/kassandra-service/internal/crypto"
)

// Error kinds mirror the wire taxonomy in spec.md §7. Each has a fixed
// string sent as ErrBody.Kind; the sentinel itself is used internally for
// errors.Is-style comparisons.
var (
	ErrFprTooLow       = errors.New("enclave: requested false-positive rate below the service minimum")
	ErrHeightSkipped   = errors.New("enclave: feed batch height is not the minimum desired height")
	ErrMalformedBatch  = errors.New("enclave: malformed batch payload")
	ErrUnknownSession  = errors.New("enclave: unknown session id")
	ErrBusy            = errors.New("enclave: scan operation requested during an active client session")
	ErrTooManySessions = errors.New("enclave: session table at capacity")
)

// wireKind maps a sentinel error to its wire ErrBody.Kind string. Unknown
// errors map to "internal", matching spec.md §7's closed taxonomy.
func wireKind(err error) string {
	switch {
	case errors.Is(err, ErrFprTooLow):
		return "FraTooLow"
	case errors.Is(err, ErrHeightSkipped):
		return "HeightSkipped"
	case errors.Is(err, ErrMalformedBatch):
		return "MalformedBatch"
	case errors.Is(err, ErrUnknownSession):
		return "UnknownSession"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrTooManySessions):
		return "TooManySessions"
	case errors.Is(err, crypto.ErrDecrypt):
		return "Decrypt"
	default:
		return "internal"
	}
}
