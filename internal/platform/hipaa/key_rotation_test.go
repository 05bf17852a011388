package hipaa

import (
	"strings"
	"testing"
)

func TestRotatingEncryptor_CurrentKey(t *testing.T) {
	re, err := NewRotatingEncryptor(generateTestKey(t), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ct, err := re.Encrypt("Warfarin 5mg")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v1:") {
		t.Errorf("expected v1: prefix, got %q", ct)
	}
	got, err := re.Decrypt(ct)
	if err != nil || got != "Warfarin 5mg" {
		t.Errorf("roundtrip got %q err %v", got, err)
	}
}

func TestRotatingEncryptor_PreviousKey(t *testing.T) {
	oldKey, newKey := generateTestKey(t), generateTestKey(t)
	old, _ := NewRotatingEncryptor(oldKey, 1)
	ct, _ := old.Encrypt("Aspirin 81mg")
	sealed, _ := old.EncryptBytes([]byte("blob"), []byte("owner"))

	cur, _ := NewRotatingEncryptor(newKey, 2)
	if _, err := cur.Decrypt(ct); err == nil {
		t.Fatal("expected failure before the old key is registered")
	}
	if err := cur.AddPreviousKey(oldKey, 1); err != nil {
		t.Fatalf("add previous: %v", err)
	}

	got, err := cur.Decrypt(ct)
	if err != nil || got != "Aspirin 81mg" {
		t.Errorf("decrypt with previous key: got %q err %v", got, err)
	}
	blob, err := cur.DecryptBytes(sealed, []byte("owner"))
	if err != nil || string(blob) != "blob" {
		t.Errorf("decrypt bytes with previous key: got %q err %v", blob, err)
	}

	if !cur.NeedsReEncryption(ct) {
		t.Error("expected v1 ciphertext to need re-encryption")
	}
	re, err := cur.ReEncrypt(ct)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if !strings.HasPrefix(re, "v2:") || cur.NeedsReEncryption(re) {
		t.Errorf("expected v2 ciphertext, got %q", re)
	}
}

func TestRotatingEncryptor_Errors(t *testing.T) {
	if _, err := NewRotatingEncryptor(generateTestKey(t), 0); err == nil {
		t.Error("expected error for version 0")
	}
	re, _ := NewRotatingEncryptor(generateTestKey(t), 3)
	if err := re.AddPreviousKey(generateTestKey(t), 3); err == nil {
		t.Error("expected error registering the current version as previous")
	}
	if _, err := re.Decrypt("v9:abcd"); err == nil {
		t.Error("expected error for unknown version")
	}
	if _, err := re.Decrypt("plaintext"); err == nil {
		t.Error("expected error for unversioned input")
	}
	if re.CurrentVersion() != 3 {
		t.Errorf("expected version 3, got %d", re.CurrentVersion())
	}
}
