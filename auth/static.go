package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Credential associates an opaque bearer token with a principal and its
// permission set. Credentials are immutable after construction.
type Credential struct {
	Token       string   `json:"token"`
	Principal   string   `json:"principal"`
	Permissions []string `json:"permissions,omitempty"`
}

// LoadCredentialsFile reads a JSON array of credentials from path.
func LoadCredentialsFile(path string) ([]Credential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var creds []Credential
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	return creds, nil
}

// CredentialClaims is the claims shape exposed by static credentials through
// UserInfo.Claims.
type CredentialClaims struct {
	Principal   string   `json:"principal"`
	Permissions []string `json:"permissions"`
}

type staticUserInfo struct {
	claims CredentialClaims
}

func (u *staticUserInfo) UserID() string { return u.claims.Principal }

func (u *staticUserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}
	return json.Unmarshal(b, ref)
}

// StaticTokens authenticates opaque bearer tokens against a fixed credential
// set. Tokens are never stored in the clear: the set is keyed by SHA-256
// digest and lookups hash the presented token, so comparison is by hash and a
// compromised process image does not leak raw credentials.
type StaticTokens struct {
	byDigest map[string]*staticUserInfo
}

// NewStaticTokens builds an authenticator from the given credentials.
// Duplicate tokens are rejected.
func NewStaticTokens(creds []Credential) (*StaticTokens, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}
	byDigest := make(map[string]*staticUserInfo, len(creds))
	for _, c := range creds {
		if c.Token == "" {
			return nil, fmt.Errorf("credential for principal %q has empty token", c.Principal)
		}
		if c.Principal == "" {
			return nil, fmt.Errorf("credential has empty principal")
		}
		d := fullDigest(c.Token)
		if _, dup := byDigest[d]; dup {
			return nil, fmt.Errorf("duplicate token for principal %q", c.Principal)
		}
		perms := append([]string(nil), c.Permissions...)
		byDigest[d] = &staticUserInfo{claims: CredentialClaims{Principal: c.Principal, Permissions: perms}}
	}
	return &StaticTokens{byDigest: byDigest}, nil
}

// CheckAuthentication implements Authenticator.
func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	ui, ok := s.byDigest[fullDigest(tok)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	return ui, nil
}

func fullDigest(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// TokenDigest returns a short hex digest of a token, safe to include in logs
// and audit events.
func TokenDigest(tok string) string {
	return fullDigest(tok)[:16]
}

var _ Authenticator = (*StaticTokens)(nil)
