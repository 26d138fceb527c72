package enclave

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/anoma/kassandra-service/internal/attestation"
	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
	"github.com/anoma/kassandra-service/internal/fmd"
	"github.com/anoma/kassandra-service/internal/wire"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	signer := attestation.NewSigner(attestation.ModeMock, attestation.Measurement{}, nil)
	return NewEngine(Config{
		Signer:      signer,
		Scheme:      fmd.NewHMACBitTestScheme(),
		Registry:    NewRegistry(8),
		MaxFprLog2:  32,
		MaxSessions: 1,
	})
}

// driveHandshake exercises handleOpen and the ClientHello-carrying first
// handleData call exactly as the host's relay would, returning a ready
// clientSession's matching client-side ciphers for sending further data.
func driveHandshake(t *testing.T, e *Engine, sessionID [16]byte) (clientToServer, serverToClient *kassandracrypto.SessionCipher) {
	t.Helper()

	openEnv, err := wire.NewEnvelope("open", openBody{SessionID: sessionID})
	if err != nil {
		t.Fatalf("build open envelope: %v", err)
	}
	reply := e.dispatch(openEnv)
	if reply.IsErr() {
		t.Fatalf("open failed: %s", reply.Op)
	}
	var openOk openOkBody
	if err := reply.Decode(&openOk); err != nil {
		t.Fatalf("decode open_ok: %v", err)
	}

	verifier := attestation.NewVerifier(attestation.ModeMock, attestation.Measurement{})
	clientKP, err := kassandracrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}
	clientNonce, err := kassandracrypto.RandomNonce32()
	if err != nil {
		t.Fatalf("client nonce: %v", err)
	}

	expectedReportData := kassandracrypto.ReportData(openOk.EPk, openOk.ServerNonce)
	if err := verifier.Verify(openOk.Quote, expectedReportData); err != nil {
		t.Fatalf("verify quote: %v", err)
	}

	shared, err := kassandracrypto.ECDH(clientKP.Priv, openOk.EPk)
	if err != nil {
		t.Fatalf("client ecdh: %v", err)
	}
	keys, err := kassandracrypto.DeriveSessionKeys(shared, openOk.ServerNonce, clientNonce)
	if err != nil {
		t.Fatalf("derive session keys: %v", err)
	}

	hello, err := cbor.Marshal(clientHelloPayload{CPk: clientKP.Pub, ClientNonce: clientNonce})
	if err != nil {
		t.Fatalf("marshal client hello: %v", err)
	}

	dataEnv, err := wire.NewEnvelope("data", dataBody{SessionID: sessionID, Payload: hello})
	if err != nil {
		t.Fatalf("build data envelope: %v", err)
	}
	reply = e.dispatch(dataEnv)
	if reply.IsErr() {
		t.Fatalf("first data exchange failed: %s", reply.Op)
	}

	// The client's directional keys mirror the enclave's: what the enclave
	// calls ServerToClient, the client reads as serverToClient; the
	// enclave's ClientToServer is what the client seals with. The enclave
	// already consumed sequence 0 of ServerToClient to ack this ClientHello,
	// so open that ack here to keep both sides' sequence counters in step.
	clientToServer = kassandracrypto.NewSessionCipher(keys.ClientToServer)
	serverToClient = kassandracrypto.NewSessionCipher(keys.ServerToClient)

	var ackBody dataBody
	if err := reply.Decode(&ackBody); err != nil {
		t.Fatalf("decode handshake ack envelope: %v", err)
	}
	if _, err := serverToClient.Open(ackBody.Payload, nil); err != nil {
		t.Fatalf("open handshake ack: %v", err)
	}

	return clientToServer, serverToClient
}

func TestHandshakeEstablishesSession(t *testing.T) {
	e := newTestEngine(t)
	var sessionID [16]byte
	sessionID[0] = 1

	driveHandshake(t, e, sessionID)

	if e.State() != StateInClientSession {
		t.Fatalf("expected state InClientSession, got %s", e.State())
	}
}

func TestSecondOpenWhileSessionActiveIsTooManySessions(t *testing.T) {
	e := newTestEngine(t)
	var sessionA, sessionB [16]byte
	sessionA[0] = 1
	sessionB[0] = 2

	driveHandshake(t, e, sessionA)

	openEnv, _ := wire.NewEnvelope("open", openBody{SessionID: sessionB})
	reply := e.dispatch(openEnv)
	if !reply.IsErr() {
		t.Fatalf("expected second open to fail while a session is active")
	}
	var body wire.ErrBody
	if err := reply.Decode(&body); err != nil {
		t.Fatalf("decode err body: %v", err)
	}
	if body.Kind != "TooManySessions" {
		t.Fatalf("expected TooManySessions, got %s", body.Kind)
	}
}

func TestWantsAndFeedBusyDuringClientSession(t *testing.T) {
	e := newTestEngine(t)
	var sessionID [16]byte
	sessionID[0] = 1
	driveHandshake(t, e, sessionID)

	wantsEnv, _ := wire.NewEnvelope("wants", struct{}{})
	reply := e.dispatch(wantsEnv)
	if !reply.IsErr() {
		t.Fatalf("expected wants to be busy during a client session")
	}
	var body wire.ErrBody
	reply.Decode(&body)
	if body.Kind != "Busy" {
		t.Fatalf("expected Busy, got %s", body.Kind)
	}

	feedEnv, _ := wire.NewEnvelope("feed", feedBody{Height: 1})
	reply = e.dispatch(feedEnv)
	if !reply.IsErr() {
		t.Fatalf("expected feed to be busy during a client session")
	}
}

func TestRegisterThroughSessionTunnel(t *testing.T) {
	e := newTestEngine(t)
	var sessionID [16]byte
	sessionID[0] = 1
	clientToServer, serverToClient := driveHandshake(t, e, sessionID)

	regEnv, err := wire.NewEnvelope("reg", registerRequest{
		DK:      []byte("detection-key-bytes"),
		EK:      [32]byte{1, 2, 3},
		Birth:   100,
		FprLog2: 4,
	})
	if err != nil {
		t.Fatalf("build reg envelope: %v", err)
	}
	plaintext, err := cbor.Marshal(regEnv)
	if err != nil {
		t.Fatalf("marshal reg envelope: %v", err)
	}
	ct, _, err := clientToServer.Seal(plaintext, nil)
	if err != nil {
		t.Fatalf("seal reg request: %v", err)
	}

	dataEnv, _ := wire.NewEnvelope("data", dataBody{SessionID: sessionID, Payload: ct})
	reply := e.dispatch(dataEnv)
	if reply.IsErr() {
		t.Fatalf("data dispatch failed: %s", reply.Op)
	}

	var dataReply dataBody
	if err := reply.Decode(&dataReply); err != nil {
		t.Fatalf("decode data_ok: %v", err)
	}
	replyPlain, err := serverToClient.Open(dataReply.Payload, nil)
	if err != nil {
		t.Fatalf("open session reply: %v", err)
	}

	var innerEnv wire.Envelope
	if err := cbor.Unmarshal(replyPlain, &innerEnv); err != nil {
		t.Fatalf("unmarshal inner envelope: %v", err)
	}
	if innerEnv.IsErr() {
		t.Fatalf("register failed: %s", innerEnv.Op)
	}
	var regResp registerResponse
	if err := innerEnv.Decode(&regResp); err != nil {
		t.Fatalf("decode reg_ok: %v", err)
	}
	if regResp.UUID == ([16]byte{}) {
		t.Fatalf("expected a non-zero uuid")
	}

	if e.registry.byUUID[regResp.UUID] == nil {
		t.Fatalf("registry does not contain the newly registered key")
	}
}

func TestRegisterRejectsFprAboveMax(t *testing.T) {
	e := newTestEngine(t)
	e.maxFprLog2 = 8

	env, _ := wire.NewEnvelope("reg", registerRequest{DK: []byte("s"), FprLog2: 20, Birth: 1})
	reply, err := e.handleRegister(env)
	if err == nil {
		t.Fatalf("expected fpr-too-low error, got reply %v", reply)
	}
	if wireKind(err) != "FraTooLow" {
		t.Fatalf("expected FraTooLow, got %s", wireKind(err))
	}
}

func TestFeedRejectsWrongHeight(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.registry.Register(fmd.DetectionKey("k"), [32]byte{}, 5); err != nil {
		t.Fatalf("register: %v", err)
	}

	feedEnv, _ := wire.NewEnvelope("feed", feedBody{Height: 99})
	reply := e.dispatch(feedEnv)
	if !reply.IsErr() {
		t.Fatalf("expected feed at wrong height to fail")
	}
	var body wire.ErrBody
	reply.Decode(&body)
	if body.Kind != "HeightSkipped" {
		t.Fatalf("expected HeightSkipped, got %s", body.Kind)
	}
}

func TestCloseThenReopenSucceeds(t *testing.T) {
	e := newTestEngine(t)
	var sessionID [16]byte
	sessionID[0] = 7
	driveHandshake(t, e, sessionID)

	closeEnv, _ := wire.NewEnvelope("close", closeBody{SessionID: sessionID})
	reply := e.dispatch(closeEnv)
	if reply.IsErr() {
		t.Fatalf("close failed: %s", reply.Op)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected Idle after close, got %s", e.State())
	}

	driveHandshake(t, e, sessionID)
	if e.State() != StateInClientSession {
		t.Fatalf("expected InClientSession after reopen, got %s", e.State())
	}
}

