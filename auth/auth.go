package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"chatserver/errs"
	"chatserver/store"
	"chatserver/types"
)

// Authority issues, validates and revokes authentication sessions. Refresh
// tokens are single-use: each refresh rotates the token family, and
// presenting an already-rotated token revokes every session for that user.
type Authority struct {
	store      *store.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	subscribers []func(sessionID string)
}

func NewAuthority(st *store.Store, secret string, accessTTL, refreshTTL time.Duration, log zerolog.Logger) *Authority {
	return &Authority{
		store:      st,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		log:        log,
		now:        time.Now,
	}
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
}

// SubscribeRevocations registers a listener for session.revoked events.
// Listeners run asynchronously so revocation never blocks on, or cycles
// back into, the connection layer.
func (a *Authority) SubscribeRevocations(fn func(sessionID string)) {
	a.mu.Lock()
	a.subscribers = append(a.subscribers, fn)
	a.mu.Unlock()
}

func (a *Authority) emitRevoked(sessionIDs ...string) {
	a.mu.Lock()
	subs := append([]func(string){}, a.subscribers...)
	a.mu.Unlock()
	for _, id := range sessionIDs {
		for _, fn := range subs {
			go fn(id)
		}
	}
}

func validUsername(username string) bool {
	if len(username) < 3 || len(username) > 30 {
		return false
	}
	for _, c := range username {
		ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
		if !ok {
			return false
		}
	}
	return true
}

// Register creates a user with the default role.
func (a *Authority) Register(ctx context.Context, username, displayName, password string) (types.UserData, error) {
	if !validUsername(username) {
		return types.UserData{}, errs.New(errs.CodeMalformedTarget, "username must be 3-30 chars of a-z, 0-9, _ or -")
	}
	if len(password) < 8 {
		return types.UserData{}, errs.New(errs.CodeMalformedTarget, "password must be at least 8 characters")
	}
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return types.UserData{}, err
	}

	role, err := a.store.GetRoleByName(ctx, "user")
	if err != nil {
		return types.UserData{}, errs.Wrap(errs.CodePersistenceUnavailable, "load default role", err)
	}

	user := types.UserData{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
		Active:      true,
		RoleID:      role.ID,
	}
	if err := a.store.CreateUser(ctx, user, string(hash)); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return types.UserData{}, errs.New(errs.CodeConflict, "username is already taken")
		}
		return types.UserData{}, errs.Wrap(errs.CodePersistenceUnavailable, "create user", err)
	}
	return user, nil
}

// Authenticate verifies credentials and opens a new session with a fresh
// token family.
func (a *Authority) Authenticate(ctx context.Context, username, password, interfaceType string) (TokenPair, error) {
	user, hash, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, errs.New(errs.CodeInvalidCredentials, "invalid username or password")
		}
		return TokenPair{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup user", err)
	}
	if !user.Active {
		return TokenPair{}, errs.New(errs.CodeInvalidCredentials, "account is deactivated")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return TokenPair{}, errs.New(errs.CodeInvalidCredentials, "invalid username or password")
	}

	now := a.now()
	sess := types.Session{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		TokenFamilyID: uuid.NewString(),
		InterfaceType: interfaceType,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.refreshTTL),
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return TokenPair{}, errs.Wrap(errs.CodePersistenceUnavailable, "create session", err)
	}

	return a.issuePair(ctx, sess)
}

func (a *Authority) issuePair(ctx context.Context, sess types.Session) (TokenPair, error) {
	access, err := a.signAccessToken(sess)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := newOpaqueToken()
	if err != nil {
		return TokenPair{}, err
	}
	rt := store.RefreshToken{
		ID:        uuid.NewString(),
		FamilyID:  sess.TokenFamilyID,
		SessionID: sess.ID,
		TokenHash: hashToken(refresh),
		ExpiresAt: a.now().Add(a.refreshTTL),
	}
	if err := a.store.InsertRefreshToken(ctx, rt); err != nil {
		return TokenPair{}, errs.Wrap(errs.CodePersistenceUnavailable, "store refresh token", err)
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
	}, nil
}

// Refresh rotates the presented token. An already-rotated token is treated
// as theft: the whole family goes, and every session for the user is
// revoked, not just the replaying one.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	now := a.now()

	rt, err := a.store.GetRefreshTokenByHash(ctx, hashToken(refreshToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, errs.New(errs.CodeTokenRevoked, "unknown refresh token")
		}
		return TokenPair{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup refresh token", err)
	}

	sess, err := a.store.GetSession(ctx, rt.SessionID)
	if err != nil {
		return TokenPair{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup session", err)
	}
	if sess.Revoked {
		// A logged-out session's tokens are dead, not stolen.
		return TokenPair{}, errs.New(errs.CodeTokenRevoked, "session revoked")
	}

	if rt.RotatedAt != nil {
		return TokenPair{}, a.onReuse(ctx, rt)
	}
	if now.After(rt.ExpiresAt) {
		return TokenPair{}, errs.New(errs.CodeTokenExpired, "refresh token expired")
	}

	// Claim the token atomically; losing the race to a concurrent refresh
	// means the token was already spent.
	claimed, err := a.store.MarkRefreshRotated(ctx, rt.ID, now)
	if err != nil {
		return TokenPair{}, errs.Wrap(errs.CodePersistenceUnavailable, "rotate refresh token", err)
	}
	if !claimed {
		return TokenPair{}, a.onReuse(ctx, rt)
	}

	if err := a.store.ExtendSession(ctx, sess.ID, now.Add(a.refreshTTL)); err != nil {
		return TokenPair{}, errs.Wrap(errs.CodePersistenceUnavailable, "extend session", err)
	}
	sess.ExpiresAt = now.Add(a.refreshTTL)

	return a.issuePair(ctx, sess)
}

func (a *Authority) onReuse(ctx context.Context, rt store.RefreshToken) error {
	sess, err := a.store.GetSession(ctx, rt.SessionID)
	if err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "lookup session for reuse handling", err)
	}

	a.log.Warn().
		Str("user_id", sess.UserID).
		Str("family_id", rt.FamilyID).
		Msg("refresh token reuse detected, revoking all user sessions")

	if err := a.store.RevokeFamilyTokens(ctx, rt.FamilyID, a.now()); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "revoke token family", err)
	}
	revoked, err := a.store.RevokeUserSessions(ctx, sess.UserID)
	if err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "revoke user sessions", err)
	}
	a.emitRevoked(revoked...)

	return errs.New(errs.CodeTokenReuse, "refresh token reuse detected")
}

// Revoke ends one session (logout).
func (a *Authority) Revoke(ctx context.Context, sessionID string) error {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.New(errs.CodeNotFound, "session not found")
		}
		return errs.Wrap(errs.CodePersistenceUnavailable, "lookup session", err)
	}
	if err := a.store.RevokeFamilyTokens(ctx, sess.TokenFamilyID, a.now()); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "revoke token family", err)
	}
	if err := a.store.RevokeSession(ctx, sessionID); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "revoke session", err)
	}
	a.emitRevoked(sessionID)
	return nil
}

// RevokeAll ends every session for the user (logout everywhere).
func (a *Authority) RevokeAll(ctx context.Context, userID string) error {
	revoked, err := a.store.RevokeUserSessions(ctx, userID)
	if err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "revoke user sessions", err)
	}
	a.emitRevoked(revoked...)
	return nil
}

// Claims is the validated identity carried by an access token.
type Claims struct {
	SessionID string
	UserID    string
}

// ValidateAccessToken checks signature and expiry, then the session row, so
// a revoked session rejects even an unexpired token.
func (a *Authority) ValidateAccessToken(ctx context.Context, token string) (Claims, error) {
	claims, err := a.parseAccessToken(token)
	if err != nil {
		return Claims{}, err
	}

	sess, err := a.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Claims{}, errs.New(errs.CodeTokenRevoked, "session not found")
		}
		return Claims{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup session", err)
	}
	if sess.Revoked {
		return Claims{}, errs.New(errs.CodeTokenRevoked, "session revoked")
	}
	if !a.now().Before(sess.ExpiresAt) {
		return Claims{}, errs.New(errs.CodeTokenExpired, "session expired")
	}
	return claims, nil
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}
