package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/anoma/kassandra-service/internal/attestation"
	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
	"github.com/anoma/kassandra-service/internal/wire"
)

// fakeProvider stands in for a host+enclave pair speaking exactly the wire
// protocol Provider expects: the attested handshake followed by one
// encrypted session exchange. It mirrors internal/enclave/session.go's
// handshake logic from the server side.
func fakeProvider(t *testing.T, handle func(innerOp string, innerBody []byte) (string, any)) net.Listener {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	signer := attestation.NewSigner(attestation.ModeMock, attestation.Measurement{}, nil)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fr := wire.NewFrameReader(conn)
		fw := wire.NewFrameWriter(conn)

		if _, err := fr.ReadEnvelope(); err != nil {
			return
		}

		ephemeral, err := kassandracrypto.GenerateKeypair()
		if err != nil {
			return
		}
		serverNonce, err := kassandracrypto.RandomNonce32()
		if err != nil {
			return
		}
		reportData := kassandracrypto.ReportData(ephemeral.Pub, serverNonce)
		quote, err := signer.Quote(reportData)
		if err != nil {
			return
		}

		openOk, _ := wire.NewEnvelope("open_ok", openOkBody{
			EPk:         ephemeral.Pub,
			ServerNonce: serverNonce,
			Quote:       quote,
		})
		if err := fw.WriteEnvelope(openOk); err != nil {
			return
		}

		helloEnv, err := fr.ReadEnvelope()
		if err != nil {
			return
		}
		var helloBody dataWireBody
		if err := helloEnv.Decode(&helloBody); err != nil {
			return
		}
		var hello clientHelloPayload
		if err := cbor.Unmarshal(helloBody.Payload, &hello); err != nil {
			return
		}

		shared, err := kassandracrypto.ECDH(ephemeral.Priv, hello.CPk)
		if err != nil {
			return
		}
		keys, err := kassandracrypto.DeriveSessionKeys(shared, serverNonce, hello.ClientNonce)
		if err != nil {
			return
		}
		serverToClient := kassandracrypto.NewSessionCipher(keys.ServerToClient)
		clientToServer := kassandracrypto.NewSessionCipher(keys.ClientToServer)

		ackCT, _, err := serverToClient.Seal(nil, nil)
		if err != nil {
			return
		}
		ackEnv, _ := wire.NewEnvelope("data_ok", dataWireBody{Payload: ackCT})
		if err := fw.WriteEnvelope(ackEnv); err != nil {
			return
		}

		for {
			env, err := fr.ReadEnvelope()
			if err != nil {
				return
			}
			if env.Op == "close" {
				return
			}

			var body dataWireBody
			if err := env.Decode(&body); err != nil {
				return
			}
			plaintext, err := clientToServer.Open(body.Payload, nil)
			if err != nil {
				return
			}
			var inner wire.Envelope
			if err := cbor.Unmarshal(plaintext, &inner); err != nil {
				return
			}

			replyOp, replyBody := handle(inner.Op, plaintext)
			innerReply, _ := wire.NewEnvelope(replyOp, replyBody)
			innerRaw, _ := cbor.Marshal(innerReply)
			ct, _, err := serverToClient.Seal(innerRaw, nil)
			if err != nil {
				return
			}
			reply, _ := wire.NewEnvelope("data_ok", dataWireBody{Payload: ct})
			if err := fw.WriteEnvelope(reply); err != nil {
				return
			}
		}
	}()

	return l
}

func TestProviderRegisterRoundTrip(t *testing.T) {
	wantUUID := [16]byte{1, 2, 3, 4}
	l := fakeProvider(t, func(innerOp string, _ []byte) (string, any) {
		if innerOp != "reg" {
			return "reg_err", wire.ErrBody{Kind: "MalformedBatch", Msg: "unexpected op"}
		}
		return "reg_ok", registerResponse{UUID: wantUUID}
	})
	defer l.Close()

	p := NewProvider(l.Addr().String(), attestation.ModeMock, attestation.Measurement{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := ProviderKeys{DetectionKey: []byte("dk"), EncKey: [32]byte{9}, FprLog2: 12}
	gotUUID, err := p.Register(ctx, keys, 100)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if gotUUID != wantUUID {
		t.Fatalf("got uuid %x, want %x", gotUUID, wantUUID)
	}
}

func TestProviderRegisterRejectsErrorReply(t *testing.T) {
	l := fakeProvider(t, func(innerOp string, _ []byte) (string, any) {
		return "reg_err", wire.ErrBody{Kind: "FraTooLow", Msg: "requested rate too low"}
	})
	defer l.Close()

	p := NewProvider(l.Addr().String(), attestation.ModeMock, attestation.Measurement{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Register(ctx, ProviderKeys{DetectionKey: []byte("dk")}, 0)
	if err == nil {
		t.Fatalf("expected error from reg_err reply")
	}
}

func TestProviderOpenSessionRejectsWrongMeasurement(t *testing.T) {
	l := fakeProvider(t, func(innerOp string, _ []byte) (string, any) {
		return "reg_ok", registerResponse{}
	})
	defer l.Close()

	wrongMeasurement := attestation.Measurement{0xFF}
	p := NewProvider(l.Addr().String(), attestation.ModeMock, wrongMeasurement)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Register(ctx, ProviderKeys{DetectionKey: []byte("dk")}, 0)
	if err == nil {
		t.Fatalf("expected measurement mismatch error")
	}
}

// fakeQueryProvider answers the client's "q" shortcut directly, with no
// handshake, mirroring internal/host/gateway.go's handleQuery.
func fakeQueryProvider(t *testing.T, rows []queryResultRow) net.Listener {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fr := wire.NewFrameReader(conn)
		fw := wire.NewFrameWriter(conn)

		if _, err := fr.ReadEnvelope(); err != nil {
			return
		}
		reply, _ := wire.NewEnvelope("results", queryResultsBody{Results: rows})
		fw.WriteEnvelope(reply)
	}()
	return l
}

func TestQueryReportsMaxHeightAcrossOwnAccumulatedRows(t *testing.T) {
	var encKey [32]byte
	for i := range encKey {
		encKey[i] = byte(i)
	}
	var providerUUID [16]byte
	providerUUID[0] = 5

	seal := func(height uint64, indices []uint64) []byte {
		raw, err := cbor.Marshal(deltaPayload{Indices: indices, Height: height})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		nonce := kassandracrypto.DeterministicResultNonce(providerUUID, height)
		aead, err := chacha20poly1305.New(encKey[:])
		if err != nil {
			t.Fatalf("aead: %v", err)
		}
		return aead.Seal(nil, nonce[:], raw, nil)
	}

	// Rows arrive out of height order on the wire; Query must still report
	// the max height across this one provider's own rows, not the min (the
	// cross-provider min is Merge's job, not Query's).
	rows := []queryResultRow{
		{H: 20, CT: seal(20, []uint64{2})},
		{H: 10, CT: seal(10, []uint64{1})},
	}
	l := fakeQueryProvider(t, rows)
	defer l.Close()

	p := &Provider{URL: l.Addr().String()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := p.Query(ctx, encKey, providerUUID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Height != 20 {
		t.Fatalf("Height = %d, want 20 (max across this provider's own rows)", result.Height)
	}
	if len(result.Indices) != 2 {
		t.Fatalf("Indices = %v, want both rows' indices", result.Indices)
	}
}

func TestDecryptResultRoundTrip(t *testing.T) {
	var encKey [32]byte
	for i := range encKey {
		encKey[i] = byte(i)
	}
	var providerUUID [16]byte
	providerUUID[0] = 7
	height := uint64(42)

	raw, err := cbor.Marshal(deltaPayload{Indices: []uint64{5, 6, 7}, Height: height})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	nonce := kassandracrypto.DeterministicResultNonce(providerUUID, height)
	aead, err := chacha20poly1305.New(encKey[:])
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	ct := aead.Seal(nil, nonce[:], raw, nil)

	indices, err := DecryptResult(encKey, providerUUID, height, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(indices) != 3 || indices[0] != 5 {
		t.Fatalf("got %v, want [5 6 7]", indices)
	}
}

func TestDecryptResultFailsWithWrongUUID(t *testing.T) {
	var encKey [32]byte
	var providerUUID, wrongUUID [16]byte
	wrongUUID[0] = 1
	height := uint64(1)

	raw, _ := cbor.Marshal(deltaPayload{Indices: []uint64{1}, Height: height})
	nonce := kassandracrypto.DeterministicResultNonce(providerUUID, height)
	aead, _ := chacha20poly1305.New(encKey[:])
	ct := aead.Seal(nil, nonce[:], raw, nil)

	if _, err := DecryptResult(encKey, wrongUUID, height, ct); err == nil {
		t.Fatalf("expected decryption failure with mismatched uuid")
	}
}
