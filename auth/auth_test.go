package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatserver/db"
	"chatserver/errs"
	"chatserver/store"
)

func newTestAuthority(t *testing.T) (*Authority, *store.Store) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "auth_test.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.EnsureSchema(conn); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	st := store.New(conn)
	return NewAuthority(st, "test-secret", 15*time.Minute, 7*24*time.Hour, zerolog.Nop()), st
}

func expectCode(t *testing.T, err error, code errs.Code) {
	t.Helper()
	if !errs.Is(err, code) {
		t.Fatalf("expected error code %s, got %v", code, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := a.Register(ctx, "ab", "", "longenough"); err == nil {
		t.Fatalf("expected short username to be rejected")
	}
	if _, err := a.Register(ctx, "Alice!", "", "longenough"); err == nil {
		t.Fatalf("expected invalid characters to be rejected")
	}
	if _, err := a.Register(ctx, "alice", "", "short"); err == nil {
		t.Fatalf("expected short password to be rejected")
	}

	if _, err := a.Register(ctx, "alice", "Alice", "longenough"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := a.Register(ctx, "alice", "", "longenough")
	expectCode(t, err, errs.CodeConflict)
}

func TestAuthenticateAndValidate(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	user, err := a.Register(ctx, "alice", "Alice", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = a.Authenticate(ctx, "alice", "wrong-password", "web")
	expectCode(t, err, errs.CodeInvalidCredentials)

	_, err = a.Authenticate(ctx, "nobody", "password123", "web")
	expectCode(t, err, errs.CodeInvalidCredentials)

	pair, err := a.Authenticate(ctx, "alice", "password123", "web")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	claims, err := a.ValidateAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if claims.UserID != user.ID || claims.SessionID != pair.SessionID {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := a.ValidateAccessToken(ctx, "not-a-token"); err == nil {
		t.Fatalf("expected garbage token to be rejected")
	}
}

func TestRefreshRotation(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := a.Register(ctx, "alice", "", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := a.Authenticate(ctx, "alice", "password123", "web")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	second, err := a.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("refresh must stay within the session, got %s != %s", second.SessionID, first.SessionID)
	}
	if _, err := a.ValidateAccessToken(ctx, second.AccessToken); err != nil {
		t.Fatalf("validate rotated access token: %v", err)
	}
}

func TestRefreshReuseRevokesAllUserSessions(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := a.Register(ctx, "alice", "", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Two live sessions for the same user, e.g. laptop and phone.
	laptop, err := a.Authenticate(ctx, "alice", "password123", "web")
	if err != nil {
		t.Fatalf("authenticate laptop: %v", err)
	}
	phone, err := a.Authenticate(ctx, "alice", "password123", "mobile")
	if err != nil {
		t.Fatalf("authenticate phone: %v", err)
	}

	revoked := make(chan string, 8)
	a.SubscribeRevocations(func(sessionID string) { revoked <- sessionID })

	if _, err := a.Refresh(ctx, laptop.RefreshToken); err != nil {
		t.Fatalf("legitimate refresh: %v", err)
	}

	// Replaying the spent token is treated as theft.
	_, err = a.Refresh(ctx, laptop.RefreshToken)
	expectCode(t, err, errs.CodeTokenReuse)

	_, err = a.ValidateAccessToken(ctx, laptop.AccessToken)
	expectCode(t, err, errs.CodeTokenRevoked)
	_, err = a.ValidateAccessToken(ctx, phone.AccessToken)
	expectCode(t, err, errs.CodeTokenRevoked)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-revoked:
			seen[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for revocation events, saw %v", seen)
		}
	}
	if !seen[laptop.SessionID] || !seen[phone.SessionID] {
		t.Fatalf("expected both sessions revoked, saw %v", seen)
	}
}

func TestRevokeEndsSession(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := a.Register(ctx, "alice", "", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	pair, err := a.Authenticate(ctx, "alice", "password123", "web")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if err := a.Revoke(ctx, pair.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err = a.ValidateAccessToken(ctx, pair.AccessToken)
	expectCode(t, err, errs.CodeTokenRevoked)

	_, err = a.Refresh(ctx, pair.RefreshToken)
	expectCode(t, err, errs.CodeTokenRevoked)
}

func TestExpiredAccessToken(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := a.Register(ctx, "alice", "", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	pair, err := a.Authenticate(ctx, "alice", "password123", "web")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	a.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = a.ValidateAccessToken(ctx, pair.AccessToken)
	expectCode(t, err, errs.CodeTokenExpired)
}
