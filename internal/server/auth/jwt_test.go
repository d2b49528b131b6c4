package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSessionToken_RoundTrip(t *testing.T) {
	t.Parallel()

	secret := []byte("super-secret")

	tok, err := GenerateSessionToken("sess-123", secret, time.Hour, t0)
	if err != nil {
		t.Fatalf("GenerateSessionToken error: %v", err)
	}

	got, err := ParseSessionToken(tok, secret, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("ParseSessionToken error: %v", err)
	}
	if got != "sess-123" {
		t.Fatalf("session mismatch: got %q want %q", got, "sess-123")
	}
}

func TestSessionToken_Distinct(t *testing.T) {
	t.Parallel()

	a, _ := GenerateSessionToken("s", []byte("k"), time.Hour, t0)
	b, _ := GenerateSessionToken("s", []byte("k"), time.Hour, t0)
	if a == b {
		t.Fatalf("expected distinct tokens for the same session and time")
	}
}

func TestParseSessionToken_Expired(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	tok, err := GenerateSessionToken("s1", secret, time.Minute, t0)
	if err != nil {
		t.Fatalf("GenerateSessionToken error: %v", err)
	}

	_, err = ParseSessionToken(tok, secret, t0.Add(2*time.Minute))
	if !errors.Is(err, common.ErrTokenExpired) {
		t.Fatalf("expected common.ErrTokenExpired, got %v", err)
	}
}

func TestParseSessionToken_WrongSecret(t *testing.T) {
	t.Parallel()

	tok, _ := GenerateSessionToken("s2", []byte("right-secret"), time.Hour, t0)

	_, err := ParseSessionToken(tok, []byte("wrong-secret"), t0)
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected common.ErrInvalidToken, got %v", err)
	}
}

func TestParseSessionToken_MalformedString(t *testing.T) {
	t.Parallel()

	if _, err := ParseSessionToken("not.a.jwt", []byte("k"), t0); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected common.ErrInvalidToken, got %v", err)
	}
}

func TestParseSessionToken_RejectsIdentityToken(t *testing.T) {
	t.Parallel()

	secret := []byte("k")
	id, _ := GenerateIdentityToken("uid-1", secret, time.Hour, t0)

	if _, err := ParseSessionToken(id, secret, t0); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("identity token must not pass as a session token, got %v", err)
	}
	if _, err := ParseRefreshableToken(id, secret, time.Hour, t0); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("identity token must not be refreshable, got %v", err)
	}
}

func TestParseRefreshableToken_Grace(t *testing.T) {
	t.Parallel()

	secret := []byte("k")
	tok, _ := GenerateSessionToken("s3", secret, time.Minute, t0)

	got, err := ParseRefreshableToken(tok, secret, time.Hour, t0.Add(30*time.Minute))
	if err != nil || got != "s3" {
		t.Fatalf("expected refresh within grace to pass, got %q, %v", got, err)
	}

	_, err = ParseRefreshableToken(tok, secret, time.Hour, t0.Add(2*time.Hour))
	if !errors.Is(err, common.ErrTokenExpired) {
		t.Fatalf("expected common.ErrTokenExpired past grace, got %v", err)
	}

	_, err = ParseRefreshableToken(tok, []byte("other"), time.Hour, t0)
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected common.ErrInvalidToken for a bad signature, got %v", err)
	}
}

func TestIdentityToken(t *testing.T) {
	t.Parallel()

	secret := []byte("k")
	tok, err := GenerateIdentityToken("uid-9", secret, time.Hour, t0)
	if err != nil {
		t.Fatalf("GenerateIdentityToken error: %v", err)
	}

	uid, err := VerifyIdentityToken(tok, secret, t0.Add(time.Minute))
	if err != nil || uid != "uid-9" {
		t.Fatalf("expected uid-9, got %q, %v", uid, err)
	}

	if _, err := VerifyIdentityToken(tok, secret, t0.Add(2*time.Hour)); !errors.Is(err, common.ErrTokenExpired) {
		t.Fatalf("expected common.ErrTokenExpired, got %v", err)
	}

	sess, _ := GenerateSessionToken("s", secret, time.Hour, t0)
	if _, err := VerifyIdentityToken(sess, secret, t0); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("session token must not pass as identity, got %v", err)
	}
}
