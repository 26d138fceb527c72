package crypto

import "testing"

func TestKDFDeterministic(t *testing.T) {
	var master [MasterSecretSize]byte
	for i := range master {
		master[i] = byte(i)
	}

	seed1, err := DeriveDetectionSeed(master, 3, 32)
	if err != nil {
		t.Fatalf("derive seed: %v", err)
	}
	seed2, err := DeriveDetectionSeed(master, 3, 32)
	if err != nil {
		t.Fatalf("derive seed: %v", err)
	}
	if string(seed1) != string(seed2) {
		t.Fatalf("two runs produced different detection seeds")
	}

	seed3, err := DeriveDetectionSeed(master, 4, 32)
	if err != nil {
		t.Fatalf("derive seed: %v", err)
	}
	if string(seed1) == string(seed3) {
		t.Fatalf("different provider indices produced the same seed")
	}
}

func TestResultEncryptionKeyPerProvider(t *testing.T) {
	var master [MasterSecretSize]byte
	var uuidA, uuidB [16]byte
	uuidA[0] = 1
	uuidB[0] = 2

	keyA, err := DeriveResultEncryptionKey(master, uuidA)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	keyB, err := DeriveResultEncryptionKey(master, uuidB)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if keyA == keyB {
		t.Fatalf("distinct provider UUIDs produced the same encryption key")
	}

	tagA := ResultLookupTag(keyA)
	tagA2 := ResultLookupTag(keyA)
	if tagA != tagA2 {
		t.Fatalf("lookup tag is not deterministic")
	}
}

func TestApportionRate(t *testing.T) {
	// 3 providers, user wants fpr_log2=8 (γ=1/256), γ_min is fpr_log2=4 (γ=1/16).
	perProvider, clamped := ApportionRate(8, 4, 3)
	if clamped {
		t.Fatalf("did not expect clamping: perProvider=%d", perProvider)
	}
	if perProvider < 4 {
		t.Fatalf("perProvider %d below γ_min encoding 4", perProvider)
	}

	intersected := IntersectedRateLog2(perProvider, 3)
	if intersected < 8 {
		t.Fatalf("intersected rate log2=%d weaker than requested 8", intersected)
	}
}

func TestApportionRateClampsToMinimum(t *testing.T) {
	// User wants an extremely strict rate split across many providers;
	// per-provider share would fall below γ_min and must clamp up to it.
	perProvider, clamped := ApportionRate(6, 5, 10)
	if !clamped {
		t.Fatalf("expected clamping")
	}
	if perProvider != 5 {
		t.Fatalf("perProvider = %d, want clamped value 5", perProvider)
	}
}
