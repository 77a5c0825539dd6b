package models

import "github.com/golang-jwt/jwt/v5"

const (
	ActorRoleUser     = "user"
	ActorRoleOperator = "operator"
)

// TokenClaims is the payload of bearer tokens issued by the identity service.
type TokenClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *TokenClaims) IsOperator() bool {
	return c.Role == ActorRoleOperator
}
