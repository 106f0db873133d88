// Package auth verifies the signed bearer tokens that carry the caller's
// identity and mints development tokens for the CLI.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"

	"payroll/requestctx"
)

var (
	// ErrTokenMissing means the request carried no bearer token.
	ErrTokenMissing = errors.New("bearer token missing")
	// ErrTokenInvalid means the token failed signature, issuer or claim checks.
	ErrTokenInvalid = errors.New("bearer token invalid")
	// ErrTokenExpired means the token was valid but its lifetime has passed.
	ErrTokenExpired = errors.New("bearer token expired")
)

// Claims are the token claims. The subject is the actor id.
type Claims struct {
	jwt.RegisteredClaims

	// Name is the actor's display name used in audit columns.
	Name string `json:"name,omitempty"`
	// PayrollClass is the tenant the session should start on.
	PayrollClass string `json:"payroll_class,omitempty"`
}

// Verifier checks HS256 tokens issued by a single issuer.
type Verifier struct {
	key    []byte
	issuer string
	clock  clock.Clock
}

// NewVerifier returns a Verifier. A nil clock means the wall clock.
func NewVerifier(key []byte, issuer string, clk clock.Clock) (*Verifier, error) {
	if len(key) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Verifier{key: key, issuer: strings.TrimSpace(issuer), clock: clk}, nil
}

// Verify validates token and returns the identity it carries.
func (v *Verifier) Verify(token string) (requestctx.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return requestctx.Identity{}, ErrTokenMissing
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return requestctx.Identity{}, ErrTokenExpired
		}
		return requestctx.Identity{}, errors.Join(ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return requestctx.Identity{}, ErrTokenInvalid
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return requestctx.Identity{}, errors.Join(ErrTokenInvalid, errors.New("subject claim is empty"))
	}
	return requestctx.Identity{
		ActorID:          subject,
		ActorDisplayName: strings.TrimSpace(claims.Name),
		TenantHint:       strings.TrimSpace(claims.PayrollClass),
	}, nil
}

// Issuer mints tokens accepted by a Verifier with the same key and issuer.
type Issuer struct {
	key    []byte
	issuer string
	clock  clock.Clock
}

// NewIssuer returns an Issuer. A nil clock means the wall clock.
func NewIssuer(key []byte, issuer string, clk clock.Clock) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Issuer{key: key, issuer: strings.TrimSpace(issuer), clock: clk}, nil
}

// Issue signs a token for identity valid for ttl.
func (i *Issuer) Issue(identity requestctx.Identity, ttl time.Duration) (string, error) {
	subject := identity.SessionID()
	if subject == "" {
		return "", errors.New("auth: actor id is required")
	}
	if ttl <= 0 {
		return "", errors.New("auth: token lifetime must be positive")
	}
	now := i.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:         identity.ActorDisplayName,
		PayrollClass: identity.TenantHint,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
