package common

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

func TestPageTokenRoundTrip(t *testing.T) {
	state := []byte{0, 0, 0, 0, 0, 0, 0, 50}
	token := EncodePageToken(state)
	if strings.ContainsAny(token, "+/=") {
		t.Fatalf("token %q is not URL safe", token)
	}
	got, err := DecodePageToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, state) {
		t.Fatalf("expected %v, got %v", state, got)
	}
}

func TestPageTokenEdgeCases(t *testing.T) {
	if EncodePageToken(nil) != "" {
		t.Fatalf("empty state must encode to an empty token")
	}
	if state, err := DecodePageToken(""); err != nil || state != nil {
		t.Fatalf("empty token should be the first page, got %v %v", state, err)
	}
	if _, err := DecodePageToken("not base64!"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := DecodePageToken(strings.Repeat("A", 6000)); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected oversized token to be rejected, got %v", err)
	}
}
