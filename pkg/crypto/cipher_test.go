package crypto

import "testing"

func TestSealRoundTrip(t *testing.T) {
	sealed, err := Seal("secret", "ghp_token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "ghp_token" {
		t.Fatalf("token not encrypted")
	}
	plain, err := Open("secret", sealed)
	if err != nil || plain != "ghp_token" {
		t.Fatalf("open = %q, %v", plain, err)
	}
	if _, err := Open("wrong", sealed); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
	if _, err := Open("secret", "!!"); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestDecryptShortPayload(t *testing.T) {
	if _, err := DecryptToString("secret", []byte{1, 2}); err == nil {
		t.Fatalf("expected short payload to fail")
	}
}
