// Package token verifies the bearer tokens presented to the control API.
package token

import (
	"errors"
	"strings"

	jwt "github.com/golang-jwt/jwt"
)

var ErrMissingToken = errors.New("missing bearer token")

// Verify parses token and checks its signature with keyfunc.
func Verify(token string, keyfunc jwt.Keyfunc) (*jwt.Token, error) {
	resultToken, err := jwt.Parse(token, keyfunc)
	if err != nil {
		return nil, err
	}

	return resultToken, err
}

// FromHeader extracts the token of an "Authorization: Bearer <token>" header.
func FromHeader(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
