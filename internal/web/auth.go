package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// sessionCookie is the name of the login session cookie.
const sessionCookie = "session"

// credentials is the on-disk auth file format.
type credentials struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// Authenticator owns the credentials file and the in-memory session table.
// Sessions do not survive a restart. Login attempts are rate limited to
// blunt credential guessing.
type Authenticator struct {
	mu       sync.Mutex
	sessions map[string]time.Time

	authFile string
	ttl      time.Duration
	limiter  *rate.Limiter
}

// NewAuthenticator creates an Authenticator over the auth file at path.
func NewAuthenticator(path string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		sessions: map[string]time.Time{},
		authFile: path,
		ttl:      ttl,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// SessionTTL returns the configured session lifetime.
func (a *Authenticator) SessionTTL() time.Duration {
	return a.ttl
}

// EnsureCredentials creates the auth file with default credentials
// (root/root) when it does not exist yet.
func (a *Authenticator) EnsureCredentials() error {
	if _, err := os.Stat(a.authFile); err == nil {
		return nil
	}
	h := sha256.Sum256([]byte("root"))
	creds := credentials{Username: "root", PasswordHash: hex.EncodeToString(h[:])}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.authFile, data, 0o600); err != nil {
		return fmt.Errorf("write auth file: %w", err)
	}
	log.Printf("[AUTH] created %s with default credentials", a.authFile)
	return nil
}

// Check verifies a username/password pair against the auth file.
func (a *Authenticator) Check(username, password string) bool {
	data, err := os.ReadFile(a.authFile)
	if err != nil {
		return false
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return false
	}
	h := sha256.Sum256([]byte(password))
	return creds.Username == username && creds.PasswordHash == hex.EncodeToString(h[:])
}

// AllowAttempt reports whether another login attempt may proceed now.
func (a *Authenticator) AllowAttempt() bool {
	return a.limiter.Allow()
}

// NewSession mints a session token with the configured TTL.
func (a *Authenticator) NewSession() string {
	token := uuid.NewString()
	a.mu.Lock()
	a.sessions[token] = time.Now().Add(a.ttl)
	a.mu.Unlock()
	return token
}

// Validate reports whether token names a live session. Expired sessions
// are removed lazily.
func (a *Authenticator) Validate(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	exp, ok := a.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(a.sessions, token)
		return false
	}
	return true
}

// Destroy removes the session for token, if any.
func (a *Authenticator) Destroy(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}
