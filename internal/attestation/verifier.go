package attestation

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
)

// Client-visible failure modes (spec.md §4.2). Any of these aborts the
// handshake without sending the detection key.
var (
	ErrQuoteInvalid        = errors.New("attestation: quote invalid")
	ErrMeasurementMismatch = errors.New("attestation: measurement mismatch")
	ErrReportDataMismatch  = errors.New("attestation: report_data mismatch")
)

// Verifier checks a Quote against a pinned expected measurement and the
// client's own recomputed report_data. Exactly one mode is accepted by a
// given Verifier — a transparent-mode client will not accept a mock quote
// and vice versa, per spec.md §4.2 point 3.
type Verifier struct {
	mode                Mode
	expectedMeasurement Measurement
}

// NewVerifier creates a Verifier pinned to expectedMeasurement, accepting
// only quotes produced in the given mode.
func NewVerifier(mode Mode, expectedMeasurement Measurement) *Verifier {
	return &Verifier{mode: mode, expectedMeasurement: expectedMeasurement}
}

// Verify checks q against expectedReportData, which the caller computes by
// recomputing attestation.ReportData-equivalent hashing over the
// handshake's own ephemeral public key and server nonce (spec.md §8.3).
func (v *Verifier) Verify(q Quote, expectedReportData [32]byte) error {
	if q.Mode != v.mode {
		return fmt.Errorf("%w: quote mode %d, verifier expects %d", ErrQuoteInvalid, q.Mode, v.mode)
	}

	if q.Measurement != v.expectedMeasurement {
		return ErrMeasurementMismatch
	}

	if q.ReportData != expectedReportData {
		return ErrReportDataMismatch
	}

	switch v.mode {
	case ModeMock:
		if !bytes.Equal(q.Blob, mockSentinel) {
			return ErrQuoteInvalid
		}
		return nil
	case ModeTransparent:
		return v.verifyTransparent(q)
	default:
		return fmt.Errorf("%w: unknown verifier mode %d", ErrQuoteInvalid, v.mode)
	}
}

// verifyTransparent parses q.Blob as a self-signed certificate, checks the
// signature is self-consistent, and cross-checks the measurement and
// report_data embedded in the certificate against q's own fields (which
// were already checked against the verifier's pin above).
func (v *Verifier) verifyTransparent(q Quote) error {
	cert, err := x509.ParseCertificate(q.Blob)
	if err != nil {
		return fmt.Errorf("%w: parse certificate: %v", ErrQuoteInvalid, err)
	}

	if err := cert.CheckSignatureFrom(cert); err != nil {
		return fmt.Errorf("%w: self-signature check failed: %v", ErrQuoteInvalid, err)
	}

	embeddedReportData, err := reportDataFromCert(cert)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuoteInvalid, err)
	}
	if embeddedReportData != q.ReportData {
		return ErrReportDataMismatch
	}

	var embeddedMeasurement Measurement
	measBytes := cert.SerialNumber.Bytes()
	if len(measBytes) > len(embeddedMeasurement) {
		return fmt.Errorf("%w: measurement serial too long", ErrQuoteInvalid)
	}
	copy(embeddedMeasurement[len(embeddedMeasurement)-len(measBytes):], measBytes)
	if embeddedMeasurement != q.Measurement {
		return ErrMeasurementMismatch
	}

	return nil
}
