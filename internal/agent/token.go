// ABOUTME: Per-agent poll API credentials: random tokens stored as bcrypt hashes
// ABOUTME: Caches a digest of the last verified token so polling does not pay bcrypt on every call

package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const tokenBytes = 32

type verifiedToken struct {
	hash   string   // bcrypt hash the token was checked against
	digest [32]byte // sha256 of the token
}

type tokenVerifier struct {
	cost int

	mu       sync.Mutex
	verified map[string]verifiedToken // keyed by agent ID
}

func newTokenVerifier(cost int) *tokenVerifier {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &tokenVerifier{cost: cost, verified: make(map[string]verifiedToken)}
}

// issue returns a new random token and its bcrypt hash.
func (v *tokenVerifier) issue() (token, hash string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating agent token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)

	h, err := bcrypt.GenerateFromPassword([]byte(token), v.cost)
	if err != nil {
		return "", "", fmt.Errorf("hashing agent token: %w", err)
	}
	return token, string(h), nil
}

// verify reports whether token matches hash for agentID.
func (v *tokenVerifier) verify(agentID, hash, token string) bool {
	if token == "" || hash == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	v.mu.Lock()
	cached, ok := v.verified[agentID]
	v.mu.Unlock()
	if ok && cached.hash == hash && subtle.ConstantTimeCompare(cached.digest[:], digest[:]) == 1 {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return false
	}

	v.mu.Lock()
	v.verified[agentID] = verifiedToken{hash: hash, digest: digest}
	v.mu.Unlock()
	return true
}

func (v *tokenVerifier) forget(agentID string) {
	v.mu.Lock()
	delete(v.verified, agentID)
	v.mu.Unlock()
}
