package security

import "testing"

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer("unit-test-encryption-key")
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}

	sealed, err := sealer.Seal("super-secret")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("sealed value %q is not marked as sealed", sealed)
	}

	plain, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if plain != "super-secret" {
		t.Fatalf("Open returned %q, want super-secret", plain)
	}
}

func TestSealerWithoutKeyPassesThrough(t *testing.T) {
	sealer, err := NewSealer("")
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}
	if sealer.Enabled() {
		t.Fatal("sealer without key should be disabled")
	}

	sealed, err := sealer.Seal("plain")
	if err != nil || sealed != "plain" {
		t.Fatalf("Seal returned (%q, %v), want (plain, nil)", sealed, err)
	}

	if _, err := sealer.Open(SealedPrefix + "AAAA"); err == nil {
		t.Fatal("expected error when opening a sealed value without key")
	}
}

func TestOpenPlainValue(t *testing.T) {
	sealer, _ := NewSealer("key")
	plain, err := sealer.Open("legacy-secret")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if plain != "legacy-secret" {
		t.Fatalf("Open returned %q, want legacy-secret", plain)
	}
}

func TestDefaultSealerReadsEnv(t *testing.T) {
	t.Setenv(CredentialKeyEnv, "env-key")
	ResetDefaultSealerForTests()
	t.Cleanup(ResetDefaultSealerForTests)

	if !DefaultSealer().Enabled() {
		t.Fatal("DefaultSealer should be enabled when the env key is set")
	}
}
