// Package attestation implements the TDX-style quote binding described in
// spec.md §4.2: the enclave's ephemeral X25519 share and a fresh nonce are
// hashed into report_data, a quote is produced over that report_data, and
// the client verifies measurement, report_data, and signature chain before
// revealing its detection key. The protocol does not fork between modes —
// only the quote's content and the verifier differ (spec.md §9) — mirroring
// the POC-stub discipline of the corpus's own TEE stand-ins (e.g.
// virtengine's SGX/SEV enclave_runtime files, which simulate measurement
// and report-data binding without real hardware attestation calls).
package attestation

import (
	"crypto/ed25519"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Mode selects how quotes are produced and verified. The wire protocol is
// identical in both modes; only quote content and verification differ.
type Mode int

const (
	// ModeMock produces a fixed sentinel blob, for fast local testing
	// where no attestation signature chain is needed.
	ModeMock Mode = iota
	// ModeTransparent replaces the quote with a self-signed certificate
	// chain over the ephemeral public key, accepted only by a verifier
	// also configured for ModeTransparent.
	ModeTransparent
)

// mockSentinel is the fixed quote blob emitted in ModeMock.
var mockSentinel = []byte("kassandra-mock-quote-v1")

// Measurement is a pinned 32-byte code measurement, analogous to
// MRENCLAVE in the SGX/TDX attestation model.
type Measurement [32]byte

// Quote is what OpenSession's ServerHello carries: an attestation over
// report_data, produced by whichever mode the enclave process was built
// with.
type Quote struct {
	Mode        Mode        `cbor:"mode"`
	Measurement Measurement `cbor:"measurement"`
	ReportData  [32]byte    `cbor:"report_data"`
	// Blob is opaque to the wire format: the mock sentinel in ModeMock,
	// or a DER-encoded self-signed certificate in ModeTransparent.
	Blob []byte `cbor:"blob"`
}

// Signer produces quotes for one enclave process. A real TDX deployment
// would back this with the platform's quoting facility; both of Signer's
// modes here are explicitly simulated, per spec.md §1's treatment of the
// attestation facility as an external black box.
type Signer struct {
	mode        Mode
	measurement Measurement

	// transparentKey signs the self-signed certificate in ModeTransparent.
	// Unused in ModeMock.
	transparentKey ed25519.PrivateKey
}

// NewSigner creates a Signer for the given mode and pinned measurement.
// In ModeTransparent, transparentKey is the enclave's long-lived identity
// key used to self-sign each session's certificate.
func NewSigner(mode Mode, measurement Measurement, transparentKey ed25519.PrivateKey) *Signer {
	return &Signer{mode: mode, measurement: measurement, transparentKey: transparentKey}
}

// Quote produces a Quote binding reportData to this enclave's measurement.
func (s *Signer) Quote(reportData [32]byte) (Quote, error) {
	switch s.mode {
	case ModeMock:
		return Quote{
			Mode:        ModeMock,
			Measurement: s.measurement,
			ReportData:  reportData,
			Blob:        mockSentinel,
		}, nil
	case ModeTransparent:
		cert, err := selfSignedCert(s.transparentKey, s.measurement, reportData)
		if err != nil {
			return Quote{}, fmt.Errorf("attestation: self-sign transparent quote: %w", err)
		}
		return Quote{
			Mode:        ModeTransparent,
			Measurement: s.measurement,
			ReportData:  reportData,
			Blob:        cert,
		}, nil
	default:
		return Quote{}, fmt.Errorf("attestation: unknown mode %d", s.mode)
	}
}

// selfSignedCert builds a minimal self-signed certificate over
// transparentKey's public half, carrying measurement and reportData in its
// certificate serial number and subject common name respectively so a
// transparent-mode verifier can recover them without a custom ASN.1
// extension.
func selfSignedCert(key ed25519.PrivateKey, measurement Measurement, reportData [32]byte) ([]byte, error) {
	tmpl := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(measurement[:]),
		Subject: pkix.Name{
			CommonName: fmt.Sprintf("%x", reportData[:]),
		},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).AddDate(100, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(nil, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("attestation: create certificate: %w", err)
	}
	return der, nil
}

// reportDataFromCert decodes the reportData embedded by selfSignedCert's
// subject common name.
func reportDataFromCert(cert *x509.Certificate) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(cert.Subject.CommonName)
	if err != nil || len(decoded) != 32 {
		return out, fmt.Errorf("attestation: malformed report_data in certificate: %w", err)
	}
	copy(out[:], decoded)
	return out, nil
}
