package token

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec("secret")
	claims := Claims{Type: TypeService, Service: "blog", Origin: "frontend", User: "alice"}

	raw, err := codec.Encode(claims, time.Minute)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeService || decoded.Service != "blog" || decoded.Origin != "frontend" || decoded.User != "alice" {
		t.Fatalf("unexpected claims %+v", decoded)
	}
	if remaining := time.Until(decoded.ExpiresAt()); remaining <= 0 || remaining > time.Minute {
		t.Fatalf("unexpected expiry %v", decoded.ExpiresAt())
	}
}

func TestDecodeRejectsExpiredToken(t *testing.T) {
	codec := NewCodec("secret")
	raw, err := codec.Encode(Claims{Type: TypeUser, User: "alice"}, -time.Minute)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := codec.Decode(raw); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDecodeRejectsForeignSignature(t *testing.T) {
	raw, err := NewCodec("secret").Encode(Claims{Type: TypeUser, User: "alice"}, time.Minute)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := NewCodec("other-secret").Decode(raw); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := NewCodec("secret").Decode("garbage"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
