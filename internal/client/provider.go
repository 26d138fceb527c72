package client

import (
	"context"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/anoma/kassandra-service/internal/attestation"
	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
	"github.com/anoma/kassandra-service/internal/wire"
)

// Provider is one configured service provider connection: enough to run
// the client side of spec.md §4.2's attested handshake, then either
// Register or Query.
type Provider struct {
	URL      string
	Verifier *attestation.Verifier
}

// NewProvider builds a Provider pinned to the given attestation mode and
// expected measurement (spec.md §4.2 point 5).
func NewProvider(url string, mode attestation.Mode, expectedMeasurement attestation.Measurement) *Provider {
	return &Provider{URL: url, Verifier: attestation.NewVerifier(mode, expectedMeasurement)}
}

// openOkBody, dataWireBody and closeForward mirror the enclave's own wire
// shapes (internal/enclave/engine.go) exactly; the gateway relays them
// verbatim, so the client must speak the same CBOR field names.
type openOkBody struct {
	EPk         [32]byte          `cbor:"e_pk"`
	ServerNonce [32]byte          `cbor:"server_nonce"`
	Quote       attestation.Quote `cbor:"quote"`
}

type dataWireBody struct {
	SessionID [16]byte `cbor:"session_id"`
	Payload   []byte   `cbor:"payload"`
}

// session holds one attested session's established directional ciphers.
type session struct {
	conn           net.Conn
	fr             *wire.FrameReader
	fw             *wire.FrameWriter
	serverToClient *kassandracrypto.SessionCipher
	clientToServer *kassandracrypto.SessionCipher
}

// openSession dials the provider and runs the full attested handshake
// (spec.md §4.2 points 1-8), returning an established session ready to
// carry one encrypted request.
func (p *Provider) openSession(ctx context.Context) (*session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.URL)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", p.URL, err)
	}

	fr := wire.NewFrameReader(conn)
	fw := wire.NewFrameWriter(conn)

	openEnv, err := wire.NewEnvelope("open", struct{}{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := fw.WriteEnvelope(openEnv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send open: %w", err)
	}

	openReply, err := fr.ReadEnvelope()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: read open_ok: %w", err)
	}
	if openReply.IsErr() {
		conn.Close()
		return nil, decodeWireErr(openReply)
	}

	var hello openOkBody
	if err := openReply.Decode(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: decode open_ok: %w", err)
	}

	expectedReportData := kassandracrypto.ReportData(hello.EPk, hello.ServerNonce)
	if err := p.Verifier.Verify(hello.Quote, expectedReportData); err != nil {
		conn.Close()
		return nil, err
	}

	clientKP, err := kassandracrypto.GenerateKeypair()
	if err != nil {
		conn.Close()
		return nil, err
	}
	clientNonce, err := kassandracrypto.RandomNonce32()
	if err != nil {
		conn.Close()
		return nil, err
	}

	shared, err := kassandracrypto.ECDH(clientKP.Priv, hello.EPk)
	clientKP.Zero()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: handshake ecdh: %w", err)
	}

	keys, err := kassandracrypto.DeriveSessionKeys(shared, hello.ServerNonce, clientNonce)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: derive session keys: %w", err)
	}

	helloBody := clientHelloPayload{CPk: clientKP.Pub, ClientNonce: clientNonce}
	helloRaw, err := cbor.Marshal(helloBody)
	if err != nil {
		conn.Close()
		return nil, err
	}

	dataEnv, err := wire.NewEnvelope("data", dataWireBody{Payload: helloRaw})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := fw.WriteEnvelope(dataEnv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send client hello: %w", err)
	}

	ackReply, err := fr.ReadEnvelope()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: read handshake ack: %w", err)
	}
	if ackReply.IsErr() {
		conn.Close()
		return nil, decodeWireErr(ackReply)
	}

	s := &session{
		conn:           conn,
		fr:             fr,
		fw:             fw,
		serverToClient: kassandracrypto.NewSessionCipher(keys.ServerToClient),
		clientToServer: kassandracrypto.NewSessionCipher(keys.ClientToServer),
	}

	var ack dataWireBody
	if err := ackReply.Decode(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: decode handshake ack: %w", err)
	}
	if _, err := s.serverToClient.Open(ack.Payload, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake ack", kassandracrypto.ErrDecrypt)
	}

	return s, nil
}

// clientHelloPayload mirrors internal/enclave/session.go's type exactly.
type clientHelloPayload struct {
	CPk         [32]byte `cbor:"c_pk"`
	ClientNonce [32]byte `cbor:"client_nonce"`
}

// roundTrip encrypts innerOp/innerBody as a nested session envelope, sends
// it as one "data" frame, and decrypts+decodes the nested reply envelope.
func (s *session) roundTrip(innerOp string, innerBody any) (wire.Envelope, error) {
	innerEnv, err := wire.NewEnvelope(innerOp, innerBody)
	if err != nil {
		return wire.Envelope{}, err
	}
	plaintext, err := cbor.Marshal(innerEnv)
	if err != nil {
		return wire.Envelope{}, err
	}

	ciphertext, _, err := s.clientToServer.Seal(plaintext, nil)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("client: encrypt session payload: %w", err)
	}

	env, err := wire.NewEnvelope("data", dataWireBody{Payload: ciphertext})
	if err != nil {
		return wire.Envelope{}, err
	}
	if err := s.fw.WriteEnvelope(env); err != nil {
		return wire.Envelope{}, fmt.Errorf("client: send session payload: %w", err)
	}

	reply, err := s.fr.ReadEnvelope()
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("client: read session reply: %w", err)
	}
	if reply.IsErr() {
		return wire.Envelope{}, decodeWireErr(reply)
	}

	var body dataWireBody
	if err := reply.Decode(&body); err != nil {
		return wire.Envelope{}, fmt.Errorf("client: decode session reply: %w", err)
	}
	replyPlaintext, err := s.serverToClient.Open(body.Payload, nil)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: session reply", kassandracrypto.ErrDecrypt)
	}

	var innerReply wire.Envelope
	if err := cbor.Unmarshal(replyPlaintext, &innerReply); err != nil {
		return wire.Envelope{}, fmt.Errorf("client: unmarshal nested reply: %w", err)
	}
	return innerReply, nil
}

// close tells the gateway to tear down the bridged session and releases
// the connection.
func (s *session) close() {
	env, err := wire.NewEnvelope("close", struct{}{})
	if err == nil {
		s.fw.WriteEnvelope(env)
	}
	s.conn.Close()
}

// registerRequest and registerResponse mirror internal/enclave/ops.go's
// types field-for-field (spec.md §6's Register wire shape).
type registerRequest struct {
	DK      []byte   `cbor:"dk"`
	EK      [32]byte `cbor:"ek"`
	Birth   uint64   `cbor:"birth"`
	FprLog2 uint32   `cbor:"fpr_log2"`
}

type registerResponse struct {
	UUID [16]byte `cbor:"uuid"`
}

// Register runs the attested handshake then registers keys with this
// provider, returning the enclave-assigned uuid.
func (p *Provider) Register(ctx context.Context, keys ProviderKeys, birthday uint64) ([16]byte, error) {
	s, err := p.openSession(ctx)
	if err != nil {
		return [16]byte{}, err
	}
	defer s.close()

	reply, err := s.roundTrip("reg", registerRequest{
		DK:      keys.DetectionKey,
		EK:      keys.EncKey,
		Birth:   birthday,
		FprLog2: keys.FprLog2,
	})
	if err != nil {
		return [16]byte{}, err
	}
	if reply.Op != "reg_ok" {
		return [16]byte{}, decodeWireErr(reply)
	}

	var resp registerResponse
	if err := reply.Decode(&resp); err != nil {
		return [16]byte{}, fmt.Errorf("client: decode reg_ok: %w", err)
	}
	return resp.UUID, nil
}

// queryBody and queryResultsBody mirror internal/host/gateway.go's
// client↔host query shapes.
type queryBody struct {
	Tag [32]byte `cbor:"tag"`
}

type queryResultRow struct {
	H  uint64 `cbor:"h"`
	CT []byte `cbor:"ct"`
}

type queryResultsBody struct {
	Results []queryResultRow `cbor:"results"`
}

// Query sends the query-by-tag shortcut directly to the host (spec.md §6:
// it never touches the enclave), then decrypts every returned ciphertext
// under encKey to recover each result's indices and height. providerUUID
// is the enclave-assigned uuid returned by Register, needed to reconstruct
// the deterministic per-result nonce.
func (p *Provider) Query(ctx context.Context, encKey [32]byte, providerUUID [16]byte) (ProviderResult, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.URL)
	if err != nil {
		return ProviderResult{}, fmt.Errorf("client: dial %s: %w", p.URL, err)
	}
	defer conn.Close()

	fr := wire.NewFrameReader(conn)
	fw := wire.NewFrameWriter(conn)

	tag := kassandracrypto.ResultLookupTag(encKey)
	req, err := wire.NewEnvelope("q", queryBody{Tag: tag})
	if err != nil {
		return ProviderResult{}, err
	}
	if err := fw.WriteEnvelope(req); err != nil {
		return ProviderResult{}, fmt.Errorf("client: send query: %w", err)
	}

	reply, err := fr.ReadEnvelope()
	if err != nil {
		return ProviderResult{}, fmt.Errorf("client: read query reply: %w", err)
	}
	if reply.IsErr() {
		return ProviderResult{}, decodeWireErr(reply)
	}

	var body queryResultsBody
	if err := reply.Decode(&body); err != nil {
		return ProviderResult{}, fmt.Errorf("client: decode results: %w", err)
	}

	result := ProviderResult{ProviderURL: p.URL}
	haveHeight := false
	for _, row := range body.Results {
		indices, err := DecryptResult(encKey, providerUUID, row.H, row.CT)
		if err != nil {
			return ProviderResult{}, err
		}
		result.Indices = append(result.Indices, indices...)
		// A provider's own synced_height only moves forward, so its reported
		// height is the max across its own accumulated rows; the
		// cross-provider min belongs to Merge, not here.
		if !haveHeight || row.H > result.Height {
			result.Height = row.H
			haveHeight = true
		}
	}
	return result, nil
}

// deltaPayload mirrors internal/enclave/registry.go's Delta type.
type deltaPayload struct {
	Indices []uint64 `cbor:"indices"`
	Height  uint64   `cbor:"height"`
}

// DecryptResult decrypts one result row's ciphertext using encKey and the
// registered uuid and height that produced it, reconstructing the same
// deterministic nonce the enclave used to encrypt it (spec.md §4.1 point 3).
func DecryptResult(encKey [32]byte, providerUUID [16]byte, height uint64, ciphertext []byte) (indices []uint64, err error) {
	nonce := kassandracrypto.DeterministicResultNonce(providerUUID, height)

	aead, err := chacha20poly1305.New(encKey[:])
	if err != nil {
		return nil, fmt.Errorf("client: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: result decrypt", kassandracrypto.ErrDecrypt)
	}

	var delta deltaPayload
	if err := cbor.Unmarshal(plaintext, &delta); err != nil {
		return nil, fmt.Errorf("client: decode result delta: %w", err)
	}
	return delta.Indices, nil
}

func decodeWireErr(env wire.Envelope) error {
	var body wire.ErrBody
	if err := env.Decode(&body); err != nil {
		return fmt.Errorf("client: %s: undecodable error body", env.Op)
	}
	return fmt.Errorf("client: %s: %s (%s)", env.Op, body.Msg, body.Kind)
}
