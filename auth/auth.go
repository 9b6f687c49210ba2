// Package auth signs and verifies bearer JWTs of the admin API, using
// symmetric, pre-shared keys.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Capability is a bit-mask of admin API rights.
type Capability uint32

const (
	// READ records and status.
	READ Capability = 1 << iota
	// ADMIN mutates records and triggers flushes.
	ADMIN
)

// Claims of an admin API token.
type Claims struct {
	Capability Capability `json:"cap"`
	jwt.RegisteredClaims
}

// Verifier verifies the Authorization header of a request.
type Verifier interface {
	Verify(header string, require Capability) (Claims, error)
}

// NewKeyedAuth returns a KeyedAuth using the given pre-shared secret keys,
// which are base64 encoded and separated by whitespace and/or commas.
//
// The first key is used for signing, and any key may verify a presented
// token.
//
// The special value `AA==` (the base64 encoding of a single zero byte)
// will allow requests missing an authorization header to proceed, and should
// only be used temporarily for rollout of authorization.
func NewKeyedAuth(base64Keys string) (*KeyedAuth, error) {
	var keys jwt.VerificationKeySet
	var allowMissing bool

	for i, key := range strings.Fields(strings.ReplaceAll(base64Keys, ",", " ")) {
		if key == "AA==" {
			allowMissing = true
		} else if b, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, fmt.Errorf("failed to decode key at index %d: %w", i, err)
		} else {
			keys.Keys = append(keys.Keys, b)
		}
	}
	if len(keys.Keys) == 0 {
		return nil, fmt.Errorf("at least one key must be provided")
	}
	return &KeyedAuth{keys, allowMissing}, nil
}

// KeyedAuth signs and verifies tokens using symmetric, pre-shared keys.
type KeyedAuth struct {
	jwt.VerificationKeySet
	allowMissing bool
}

// Sign |claims| into a token which expires after |exp|.
func (k *KeyedAuth) Sign(claims Claims, exp time.Duration) (string, error) {
	var now = time.Now()
	claims.IssuedAt = &jwt.NumericDate{Time: now}
	claims.ExpiresAt = &jwt.NumericDate{Time: now.Add(exp)}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Keys[0])
}

// Verify the bearer token of Authorization |header|, and that it grants
// |require|.
func (k *KeyedAuth) Verify(header string, require Capability) (Claims, error) {
	if header == "" {
		if k.allowMissing {
			return Claims{Capability: require}, nil
		}
		return Claims{}, ErrMissingAuth
	} else if !strings.HasPrefix(header, "Bearer ") {
		return Claims{}, ErrNotBearer
	}
	var bearer = strings.TrimPrefix(header, "Bearer ")
	var claims Claims

	if token, err := jwt.ParseWithClaims(bearer, &claims,
		func(token *jwt.Token) (interface{}, error) { return k.VerificationKeySet, nil },
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Second*5),
		jwt.WithValidMethods([]string{"HS256", "HS384"}),
	); err != nil {
		return Claims{}, fmt.Errorf("verifying Authorization: %w", err)
	} else if !token.Valid {
		panic("token.Valid must be true")
	} else if err = verifyCapability(claims.Capability, require); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// NewNoopAuth returns a Verifier which admits every request.
func NewNoopAuth() Verifier { return noop{} }

type noop struct{}

func (noop) Verify(_ string, require Capability) (Claims, error) {
	return Claims{Capability: require}, nil
}

func verifyCapability(actual, require Capability) error {
	if actual&require == require {
		return nil
	}

	for _, i := range []struct {
		cap  Capability
		name string
	}{
		{READ, "READ"},
		{ADMIN, "ADMIN"},
	} {
		if require&i.cap != 0 && actual&i.cap == 0 {
			return fmt.Errorf("authorization is missing required %s capability", i.name)
		}
	}

	return fmt.Errorf("authorization is missing required capability (have %s, but require %s)",
		strconv.FormatUint(uint64(actual), 2), strconv.FormatUint(uint64(require), 2))
}

var (
	ErrMissingAuth = errors.New("missing or empty Authorization token")
	ErrNotBearer   = errors.New("invalid or unsupported Authorization header (expected 'Bearer')")
)
