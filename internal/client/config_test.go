package client

import (
	"path/filepath"
	"testing"
)

func TestProvidersFileUpsertReplacesByURL(t *testing.T) {
	var pf ProvidersFile
	pf.Upsert(ProviderRecord{URL: "a", FprLog2: 10})
	pf.Upsert(ProviderRecord{URL: "b", FprLog2: 12})
	pf.Upsert(ProviderRecord{URL: "a", FprLog2: 20})

	if len(pf.Providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(pf.Providers))
	}
	for _, rec := range pf.Providers {
		if rec.URL == "a" && rec.FprLog2 != 20 {
			t.Fatalf("expected upsert to replace provider a's record, got fpr_log2=%d", rec.FprLog2)
		}
	}
}

func TestProvidersFileSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.json")

	var pf ProvidersFile
	pf.Upsert(ProviderRecord{URL: "https://p1", UUID: "abcd", EncKeyHex: "ff00", FprLog2: 15})

	if err := pf.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadProvidersFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Providers) != 1 || loaded.Providers[0].URL != "https://p1" {
		t.Fatalf("got %+v, want one record for https://p1", loaded.Providers)
	}
}

func TestLoadProvidersFileMissingReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	pf, err := LoadProvidersFile(filepath.Join(dir, "does-not-exist.json"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(pf.Providers) != 0 {
		t.Fatalf("expected empty providers file")
	}
}

func TestProviderRecordEncKeyBytesRoundTrip(t *testing.T) {
	rec := ProviderRecord{EncKeyHex: "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"}
	key, err := rec.EncKeyBytes()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if key[0] != 0x01 || key[31] != 0x20 {
		t.Fatalf("unexpected decoded key: %x", key)
	}
}

func TestProviderRecordEncKeyBytesRejectsWrongLength(t *testing.T) {
	rec := ProviderRecord{EncKeyHex: "abcd"}
	if _, err := rec.EncKeyBytes(); err == nil {
		t.Fatalf("expected error for short enc_key_hex")
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FprLog2Min != 1 {
		t.Fatalf("got fpr_log2_min=%d, want default 1", cfg.FprLog2Min)
	}
	if cfg.AttestationMode != "mock" {
		t.Fatalf("got attestation_mode=%q, want default mock", cfg.AttestationMode)
	}
	mode, err := cfg.Mode()
	if err != nil {
		t.Fatalf("mode: %v", err)
	}
	if _, err := cfg.Measurement(); err != nil {
		t.Fatalf("measurement: %v", err)
	}
	_ = mode
}
