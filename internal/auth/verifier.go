// Package auth implements the identity provider consulted during the
// connection handshake. Credentials are HMAC-SHA256 signed JWTs; a credential
// whose signature or registered claims do not verify yields no identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential indicates a credential that failed verification or
// carried no usable identity.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the verified identity extracted from a credential.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
	Email       string
}

// identityClaims is the internal claims type used for JWT parsing.
type identityClaims struct {
	jwt.RegisteredClaims
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Verifier verifies identity credentials against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify parses and verifies a credential and returns the identity it binds.
// Signature, algorithm, and time-based registered claims are all enforced;
// any failure is reported as ErrInvalidCredential.
func (v *Verifier) Verify(credential string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("verifier is not configured")
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: empty credential", ErrInvalidCredential)
	}

	var claims identityClaims
	_, err := jwt.ParseWithClaims(credential, &claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: no subject claim", ErrInvalidCredential)
	}

	username := strings.TrimSpace(claims.Username)
	if username == "" {
		username = strings.TrimSpace(claims.Name)
	}
	if username == "" {
		username = userID
	}
	displayName := strings.TrimSpace(claims.DisplayName)
	if displayName == "" {
		displayName = username
	}

	return Identity{
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		Email:       strings.TrimSpace(claims.Email),
	}, nil
}

// Sign issues a credential for the given identity with the given lifetime.
func (v *Verifier) Sign(identity Identity, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", fmt.Errorf("verifier is not configured")
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := time.Now()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
