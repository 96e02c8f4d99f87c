package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// ServiceClaims is the typed JWT presented by publishing and consuming
// services. Service identifies the caller for authorization.
type ServiceClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}
