package utils

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/o1egl/paseto"
	"golang.org/x/crypto/hkdf"
)

const (
	// TransportTokenExpiry matches the lifetime of the presence token keys.
	TransportTokenExpiry = time.Hour

	tokenKeyInfo = "psi-consulta transport token v2.local"
)

var ErrTokenExpired = errors.New("token expired")

// TransportClaims is the payload of a per-role session token.
type TransportClaims struct {
	ConsultationID string    `json:"consultationId"`
	Role           string    `json:"role"`
	UserID         string    `json:"userId"`
	IssuedAt       time.Time `json:"issuedAt"`
	Expiry         time.Time `json:"expiry"`
}

// TokenIssuer encrypts and decrypts PASETO v2.local transport tokens.
type TokenIssuer struct {
	key    []byte
	expiry time.Duration
}

// NewTokenIssuer derives the 32-byte symmetric key from secret with HKDF-SHA256.
func NewTokenIssuer(secret string, expiry time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is empty")
	}
	if expiry <= 0 {
		expiry = TransportTokenExpiry
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}
	return &TokenIssuer{key: key, expiry: expiry}, nil
}

// Issue creates a token for one participant of a consultation.
func (i *TokenIssuer) Issue(consultationID, role, userID string, now time.Time) (string, error) {
	claims := TransportClaims{
		ConsultationID: consultationID,
		Role:           role,
		UserID:         userID,
		IssuedAt:       now,
		Expiry:         now.Add(i.expiry),
	}
	token, err := paseto.NewV2().Encrypt(i.key, claims, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}

// Validate decrypts the token and checks its expiry against now.
func (i *TokenIssuer) Validate(token string, now time.Time) (*TransportClaims, error) {
	var claims TransportClaims
	if err := paseto.NewV2().Decrypt(token, i.key, &claims, nil); err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	if now.After(claims.Expiry) {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}
