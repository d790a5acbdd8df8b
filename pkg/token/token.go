package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

const (
	// AccessTTL is the access-token lifetime.
	AccessTTL = time.Hour
	// RefreshTTL is the refresh-token lifetime.
	RefreshTTL = 30 * 24 * time.Hour

	issuerName = "modelmeter"
)

// accessScopes is the coarse scope list stamped into access tokens.
var accessScopes = []string{"read:aggregates", "write:usage", "read:model-selection"}

// Claims is the JWT payload for both token types.
type Claims struct {
	jwt.RegisteredClaims
	OrgID     string   `json:"org_id"`
	AppID     string   `json:"app_id,omitempty"`
	TokenType Type     `json:"token_type"`
	Scope     []string `json:"scope,omitempty"`
}

// Subject rebuilds the caller identity from validated claims.
func (c *Claims) ToSubject() types.Subject {
	return types.Subject{ClientID: c.Subject, OrgID: c.OrgID, AppID: c.AppID}
}

// Pair is the result of a client-credentials exchange.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64
	RefreshExpiresIn int64
}

// Issuer signs and verifies bearer tokens with a shared HMAC secret and keeps
// the revocation list in the store. The signing key is resolved once at
// startup; key rotation is out of scope.
type Issuer struct {
	secret []byte
	store  storage.Store
	clk    clock.Clock
}

// NewIssuer creates a token issuer.
func NewIssuer(signingSecret []byte, store storage.Store, clk clock.Clock) *Issuer {
	return &Issuer{secret: signingSecret, store: store, clk: clk}
}

// IssuePair mints an access and a refresh token for an authenticated subject.
func (i *Issuer) IssuePair(subject types.Subject) (*Pair, error) {
	access, err := i.sign(subject, TypeAccess, AccessTTL, accessScopes)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(subject, TypeRefresh, RefreshTTL, nil)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(AccessTTL.Seconds()),
		RefreshExpiresIn: int64(RefreshTTL.Seconds()),
	}, nil
}

func (i *Issuer) sign(subject types.Subject, tokenType Type, ttl time.Duration, scope []string) (string, error) {
	now := i.clk.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ClientID,
			Issuer:    issuerName,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrgID:     subject.OrgID,
		AppID:     subject.AppID,
		TokenType: tokenType,
		Scope:     scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// Verify parses and validates a token, enforcing signature, expiry, expected
// type, and the revocation list. Every failure is UNAUTHORIZED; the caller
// never learns which check tripped.
func (i *Issuer) Verify(ctx context.Context, tokenString string, want Type) (*Claims, error) {
	claims, err := i.decode(tokenString)
	if err != nil {
		return nil, apierr.Unauthorized("invalid or expired token").WithCause(err)
	}
	if claims.TokenType != want {
		return nil, apierr.Unauthorized("invalid or expired token")
	}
	revoked, err := i.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, apierr.Unauthorized("invalid or expired token")
	}
	return claims, nil
}

func (i *Issuer) decode(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clk.Now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh exchanges a valid refresh token for a fresh access token with the
// same subject and scope. Refresh tokens are reusable until expiry.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	claims, err := i.Verify(ctx, refreshToken, TypeRefresh)
	if err != nil {
		return "", 0, err
	}
	access, err := i.sign(claims.ToSubject(), TypeAccess, AccessTTL, accessScopes)
	if err != nil {
		return "", 0, err
	}
	return access, int64(AccessTTL.Seconds()), nil
}

// Revoke invalidates a token of either type. Callers may only revoke tokens
// whose subject matches their own; the revocation record's TTL equals the
// token's original expiry so the list self-prunes.
func (i *Issuer) Revoke(ctx context.Context, callerSubject string, tokenString string) error {
	claims, err := i.decode(tokenString)
	if err != nil {
		return apierr.Unauthorized("invalid or expired token").WithCause(err)
	}
	if claims.Subject != callerSubject {
		return apierr.Forbidden("cannot revoke tokens for other clients")
	}
	var exp int64
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Unix()
	}
	record := &types.RevokedToken{
		JTI:                 claims.ID,
		TokenType:           string(claims.TokenType),
		ClientID:            claims.Subject,
		RevokedAtEpoch:      i.clk.Now().Unix(),
		OriginalExpiryEpoch: exp,
		ExpiresAtEpoch:      exp,
	}
	if err := i.store.RevokeToken(ctx, record); err != nil {
		return fmt.Errorf("persist revocation: %w", err)
	}
	return nil
}

// IsAuthFailure reports whether err is a credential/token failure rather than
// an infrastructure error.
func IsAuthFailure(err error) bool {
	var apiErr *apierr.Error
	return errors.As(err, &apiErr) &&
		(apiErr.Code == apierr.CodeUnauthorized || apiErr.Code == apierr.CodeForbidden)
}
