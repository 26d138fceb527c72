package host

import "testing"

func TestMemResultStorePutGet(t *testing.T) {
	s := NewMemResultStore(nil)
	tag := [32]byte{1}
	row := ResultRow{SealedUUID: []byte{1}, SealedPayload: []byte("ct"), SealedHeight: []byte{0, 1}}

	if err := s.Put(tag, row); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get(tag)
	if !ok {
		t.Fatal("Get: want ok=true")
	}
	if len(got) != 1 || string(got[0].SealedPayload) != "ct" {
		t.Fatalf("got %+v, want one row with SealedPayload %q", got, "ct")
	}
}

func TestMemResultStoreGetMissing(t *testing.T) {
	s := NewMemResultStore(nil)
	if _, ok := s.Get([32]byte{2}); ok {
		t.Fatal("Get on missing tag: want ok=false")
	}
}

func TestMemResultStoreAccumulatesAcrossPuts(t *testing.T) {
	s := NewMemResultStore(nil)
	tag := [32]byte{3}

	s.Put(tag, ResultRow{SealedPayload: []byte("ct-h1"), SealedHeight: []byte{0, 1}})
	s.Put(tag, ResultRow{SealedPayload: []byte("ct-h2"), SealedHeight: []byte{0, 2}})

	got, ok := s.Get(tag)
	if !ok {
		t.Fatal("Get: want ok=true")
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2 (one per scan step, not overwritten)", len(got))
	}
	if string(got[0].SealedPayload) != "ct-h1" || string(got[1].SealedPayload) != "ct-h2" {
		t.Fatalf("got %+v, want rows in put order", got)
	}
}

func TestMemResultStoreEncryptsAtRest(t *testing.T) {
	var dek DataEncryptionKey
	for i := range dek.Key {
		dek.Key[i] = byte(i)
	}
	s := NewMemResultStore(&dek)
	tag := [32]byte{4}
	row := ResultRow{SealedUUID: []byte("uuid"), SealedPayload: []byte("payload"), SealedHeight: []byte{0, 9}}

	if err := s.Put(tag, row); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get(tag)
	if !ok || len(got) != 1 {
		t.Fatalf("Get: want one row, got %+v ok=%v", got, ok)
	}
	if string(got[0].SealedPayload) != "payload" || string(got[0].SealedUUID) != "uuid" {
		t.Fatalf("round trip through at-rest encryption mismatched: %+v", got[0])
	}

	var wrongDEK DataEncryptionKey
	wrongDEK.Key[0] = 0xFF
	wrongStore := &memResultStore{rows: s.(*memResultStore).rows, dek: &wrongDEK}
	if _, ok := wrongStore.Get(tag); ok {
		t.Fatal("Get with the wrong key: want ok=false")
	}
}
