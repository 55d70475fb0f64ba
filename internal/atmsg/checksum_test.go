package atmsg

import "testing"

func TestChecksum_EmptyInput(t *testing.T) {
	if _, err := Checksum(nil); err != ErrEmptyInput {
		t.Fatalf("Checksum(nil) err = %v, want ErrEmptyInput", err)
	}
	if _, err := Checksum([]byte{}); err != ErrEmptyInput {
		t.Fatalf("Checksum([]byte{}) err = %v, want ErrEmptyInput", err)
	}
}

func TestChecksum_Deterministic(t *testing.T) {
	in := []byte("hello world")
	a, err := Checksum(in)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	b, err := Checksum(in)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if a != b {
		t.Fatalf("checksum not deterministic: %x != %x", a, b)
	}
}

func TestChecksum_KnownVector(t *testing.T) {
	// "A" single byte input, traced by hand against the bit-mixing algorithm.
	sum, err := Checksum([]byte("A"))
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	b64 := sum.Base64()
	if len(b64) != 44 { // 32 bytes -> 44 base64 chars with padding
		t.Fatalf("unexpected base64 length %d for %q", len(b64), b64)
	}
	if want := "fgClpeGLlNJSol9KNWPYL81hNOxNYC0abWOzFi1hs1k="; b64 != want {
		t.Fatalf("Checksum(\"A\") = %q, want %q", b64, want)
	}
	// Different inputs must (overwhelmingly) produce different digests.
	other, _ := Checksum([]byte("B"))
	if sum == other {
		t.Fatalf("distinct inputs produced identical checksum")
	}
}

func TestVerifyBase64(t *testing.T) {
	in := []byte(`{"Id":1}`)
	sum, err := Checksum(in)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	ok, err := VerifyBase64(in, sum.Base64())
	if err != nil {
		t.Fatalf("VerifyBase64: %v", err)
	}
	if !ok {
		t.Fatalf("VerifyBase64 returned false for matching digest")
	}
	ok, err = VerifyBase64(in, "not-a-real-digest")
	if err != nil {
		t.Fatalf("VerifyBase64: %v", err)
	}
	if ok {
		t.Fatalf("VerifyBase64 returned true for mismatching digest")
	}
}
