package auth

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestTokenDeterministic(t *testing.T) {
	secret := Secret{ID: "user-1", Password: "hunter2"}
	nonce := bytes.Repeat([]byte{0x42}, NonceSize)

	a, err := Token(secret, nonce)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	b, err := Token(secret, nonce)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if a != b {
		t.Error("Token is not deterministic for the same inputs")
	}
}

func TestTokenVariesWithInputs(t *testing.T) {
	base := Secret{ID: "user-1", Password: "hunter2"}
	nonce := bytes.Repeat([]byte{0x42}, NonceSize)
	ref, _ := Token(base, nonce)

	otherNonce := bytes.Repeat([]byte{0x43}, NonceSize)
	variants := []struct {
		name   string
		secret Secret
		nonce  []byte
	}{
		{"different id", Secret{ID: "user-2", Password: "hunter2"}, nonce},
		{"different password", Secret{ID: "user-1", Password: "hunter3"}, nonce},
		{"different nonce", base, otherNonce},
	}

	for _, tt := range variants {
		got, err := Token(tt.secret, tt.nonce)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got == ref {
			t.Errorf("%s: token unchanged", tt.name)
		}
	}
}

func TestVerify(t *testing.T) {
	secret := Secret{ID: "user-1", Password: "hunter2"}
	nonce := bytes.Repeat([]byte{0x01}, NonceSize)

	token, err := Token(secret, nonce)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if !Verify(token, secret, nonce) {
		t.Error("Verify rejected a correct token")
	}

	token[0] ^= 0xFF
	if Verify(token, secret, nonce) {
		t.Error("Verify accepted a corrupted token")
	}
}

func TestVerifyAny(t *testing.T) {
	secrets := []Secret{
		{ID: "alice", Password: "pw-a"},
		{ID: "bob", Password: "pw-b"},
	}
	nonce := bytes.Repeat([]byte{0x07}, NonceSize)

	token, err := Token(secrets[1], nonce)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	id, ok := VerifyAny(token, secrets, nonce)
	if !ok || id != "bob" {
		t.Errorf("VerifyAny = (%q, %v), want (\"bob\", true)", id, ok)
	}

	var forged [32]byte
	if _, ok := VerifyAny(forged, secrets, nonce); ok {
		t.Error("VerifyAny accepted a forged token")
	}
}

func TestSecretValidate(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		ok     bool
	}{
		{"valid", Secret{ID: "a", Password: "b"}, true},
		{"empty id", Secret{Password: "b"}, false},
		{"empty password", Secret{ID: "a"}, false},
		{"oversized password", Secret{ID: "a", Password: strings.Repeat("x", 65)}, false},
	}
	for _, tt := range tests {
		err := tt.secret.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: Validate = %v, want nil", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrSecretInvalid) {
			t.Errorf("%s: Validate = %v, want ErrSecretInvalid", tt.name, err)
		}
	}
}

func TestGateOneShot(t *testing.T) {
	g := NewGate()
	if g.Confirmed() {
		t.Fatal("fresh gate already confirmed")
	}
	if !g.Confirm() {
		t.Fatal("first Confirm returned false")
	}
	if g.Confirm() {
		t.Fatal("second Confirm returned true")
	}
	if !g.Confirmed() {
		t.Fatal("gate not confirmed after Confirm")
	}
}

func TestGateConcurrentConfirm(t *testing.T) {
	g := NewGate()

	const workers = 32
	var wg sync.WaitGroup
	var successes int32
	results := make(chan bool, workers)

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			results <- g.Confirm()
		}()
	}
	wg.Wait()
	close(results)

	for ok := range results {
		if ok {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("Confirm succeeded %d times, want exactly 1", successes)
	}
}
