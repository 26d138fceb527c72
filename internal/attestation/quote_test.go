package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestMockQuoteRoundTrip(t *testing.T) {
	var measurement Measurement
	measurement[0] = 0xAA

	signer := NewSigner(ModeMock, measurement, nil)
	verifier := NewVerifier(ModeMock, measurement)

	var reportData [32]byte
	reportData[0] = 1

	q, err := signer.Quote(reportData)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	if err := verifier.Verify(q, reportData); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestMockQuoteMeasurementMismatch(t *testing.T) {
	var measurement Measurement
	measurement[0] = 0xAA
	var wrongMeasurement Measurement
	wrongMeasurement[0] = 0xBB

	signer := NewSigner(ModeMock, measurement, nil)
	verifier := NewVerifier(ModeMock, wrongMeasurement)

	var reportData [32]byte
	q, err := signer.Quote(reportData)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	if err := verifier.Verify(q, reportData); err != ErrMeasurementMismatch {
		t.Fatalf("got %v, want ErrMeasurementMismatch", err)
	}
}

func TestMockQuoteReportDataMismatch(t *testing.T) {
	var measurement Measurement
	signer := NewSigner(ModeMock, measurement, nil)
	verifier := NewVerifier(ModeMock, measurement)

	var reportData, otherReportData [32]byte
	otherReportData[0] = 1

	q, err := signer.Quote(reportData)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	if err := verifier.Verify(q, otherReportData); err != ErrReportDataMismatch {
		t.Fatalf("got %v, want ErrReportDataMismatch", err)
	}
}

func TestTransparentQuoteRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	_ = pub

	var measurement Measurement
	measurement[31] = 7

	signer := NewSigner(ModeTransparent, measurement, priv)
	verifier := NewVerifier(ModeTransparent, measurement)

	var reportData [32]byte
	reportData[5] = 0x42

	q, err := signer.Quote(reportData)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	if err := verifier.Verify(q, reportData); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestTransparentVerifierRejectsMockQuote(t *testing.T) {
	var measurement Measurement
	mockSigner := NewSigner(ModeMock, measurement, nil)
	transparentVerifier := NewVerifier(ModeTransparent, measurement)

	var reportData [32]byte
	q, err := mockSigner.Quote(reportData)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	if err := transparentVerifier.Verify(q, reportData); err == nil {
		t.Fatalf("expected transparent verifier to reject a mock quote")
	}
}
