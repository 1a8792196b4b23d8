package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// AccessTokenPayload is what an operator token is minted from.
type AccessTokenPayload struct {
	Subject string
	Role    enums.ActorRole
	// Chains restricts the token to the listed chain ids. Empty means all chains.
	Chains []string
	JTI    string
}

func (p AccessTokenPayload) validate() error {
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("token subject is required")
	}
	if !p.Role.IsValid() {
		return fmt.Errorf("invalid actor role %q", p.Role)
	}
	if slices.Contains(p.Chains, "") {
		return errors.New("chain scope must not contain empty ids")
	}
	return nil
}

// AccessTokenClaims is the decoded form of an operator token.
type AccessTokenClaims struct {
	Role   enums.ActorRole `json:"role"`
	Chains []string        `json:"chains,omitempty"`
	jwt.RegisteredClaims
}

func (c *AccessTokenClaims) validate() error {
	if c.Subject == "" {
		return errors.New("token subject missing")
	}
	if !c.Role.IsValid() {
		return fmt.Errorf("invalid actor role %q", c.Role)
	}
	return nil
}

// AllowsChain reports whether the token may act on chainID.
func (c *AccessTokenClaims) AllowsChain(chainID string) bool {
	return len(c.Chains) == 0 || slices.Contains(c.Chains, chainID)
}
