package auth

import (
	"testing"
)

func TestHashToken(t *testing.T) {
	hash, err := HashToken("secret")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "" || hash == "secret" {
		t.Fatal("hash should be non-empty and different from token")
	}
	hash2, _ := HashToken("secret")
	if hash == hash2 {
		t.Fatal("hashes should differ (salt)")
	}
}

func TestCheckToken(t *testing.T) {
	hash, _ := HashToken("mytoken")
	if !CheckToken("mytoken", hash) {
		t.Fatal("correct token should match")
	}
	if CheckToken("wrong", hash) {
		t.Fatal("wrong token should not match")
	}
	if CheckToken("", hash) || CheckToken("mytoken", "") {
		t.Fatal("empty token or hash should not match")
	}
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewToken()
	if len(a) != 48 || a == b {
		t.Fatalf("tokens %q %q", a, b)
	}
}
