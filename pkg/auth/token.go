package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/compliance-ledger/pkg/config"
)

var (
	signingMethod = jwt.SigningMethodHS256

	ErrSecretRequired = errors.New("jwt secret is required")
	ErrUnknownKey     = errors.New("token signed with an unknown key")
)

// keyring holds the HMAC secrets a token may be signed with, indexed by a
// short fingerprint that travels in the kid header.
type keyring struct {
	current string
	secrets map[string][]byte
}

func newKeyring(cfg config.JWTConfig) (keyring, error) {
	if cfg.Secret == "" {
		return keyring{}, ErrSecretRequired
	}
	ring := keyring{current: keyID(cfg.Secret), secrets: map[string][]byte{}}
	for _, secret := range append([]string{cfg.Secret}, cfg.PreviousSecrets...) {
		if secret = strings.TrimSpace(secret); secret != "" {
			ring.secrets[keyID(secret)] = []byte(secret)
		}
	}
	return ring, nil
}

func keyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}

// lookup resolves the verification key for token. Tokens without a kid
// predate rotation and are checked against the current secret.
func (k keyring) lookup(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = k.current
	}
	secret, ok := k.secrets[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return secret, nil
}

// MintAccessToken signs an operator token valid for cfg.TTL() from now.
func MintAccessToken(cfg config.JWTConfig, now time.Time, payload AccessTokenPayload) (string, error) {
	ring, err := newKeyring(cfg)
	if err != nil {
		return "", err
	}
	if cfg.Issuer == "" {
		return "", errors.New("jwt issuer is required")
	}
	if cfg.ExpirationMinutes <= 0 {
		return "", errors.New("jwt expiration minutes must be positive")
	}
	if err := payload.validate(); err != nil {
		return "", err
	}

	id := strings.TrimSpace(payload.JTI)
	if id == "" {
		id = uuid.NewString()
	}
	token := jwt.NewWithClaims(signingMethod, AccessTokenClaims{
		Role:   payload.Role,
		Chains: payload.Chains,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   strings.TrimSpace(payload.Subject),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL())),
		},
	})
	token.Header["kid"] = ring.current

	signed, err := token.SignedString(ring.secrets[ring.current])
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies signature, issuer and expiry, then checks the
// ledger-specific claims.
func ParseAccessToken(cfg config.JWTConfig, raw string) (*AccessTokenClaims, error) {
	ring, err := newKeyring(cfg)
	if err != nil {
		return nil, err
	}
	claims := &AccessTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	)
	if _, err := parser.ParseWithClaims(raw, claims, ring.lookup); err != nil {
		return nil, err
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}
