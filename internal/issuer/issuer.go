package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	AudienceTransport  = "transport"
	AudienceCompletion = "completion"
	AudienceAccount    = "account"
)

var ErrInvalidCredential = errors.New("invalid credential")

type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenIssuer mints the short-lived credentials a session needs: one for the
// client's media transport and one for calling the completion provider.
type TokenIssuer interface {
	IssueTransportCredential(ctx context.Context, accountID, sessionID string) (*Credential, error)
	IssueCompletionCredential(ctx context.Context, sessionID string) (*Credential, error)
}

var _ TokenIssuer = (*JWTIssuer)(nil)

// JWTIssuer signs HS256 tokens scoped to a single session.
type JWTIssuer struct {
	secret        []byte
	issuer        string
	transportTTL  time.Duration
	completionTTL time.Duration
	nowFunc       func() time.Time
}

func NewJWTIssuer(secret, issuer string, transportTTL, completionTTL time.Duration) *JWTIssuer {
	return &JWTIssuer{
		secret:        []byte(secret),
		issuer:        issuer,
		transportTTL:  transportTTL,
		completionTTL: completionTTL,
		nowFunc:       time.Now,
	}
}

func (i *JWTIssuer) IssueTransportCredential(ctx context.Context, accountID, sessionID string) (*Credential, error) {
	claims := i.baseClaims(AudienceTransport, sessionID, i.transportTTL)
	claims["account"] = accountID
	return i.sign(claims)
}

// IssueAccountCredential mints the credential a client presents to open
// sessions and read the balance of one account. It shares the transport TTL.
func (i *JWTIssuer) IssueAccountCredential(ctx context.Context, accountID string) (*Credential, error) {
	return i.sign(i.baseClaims(AudienceAccount, accountID, i.transportTTL))
}

func (i *JWTIssuer) IssueCompletionCredential(ctx context.Context, sessionID string) (*Credential, error) {
	return i.sign(i.baseClaims(AudienceCompletion, sessionID, i.completionTTL))
}

// Verify checks signature, expiry and audience, returning the token subject:
// the session ID for transport and completion credentials, the account ID for
// account credentials.
func (i *JWTIssuer) Verify(rawToken, audience string) (string, error) {
	token, err := jwt.Parse(rawToken, i.verificationKey,
		jwt.WithAudience(audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.nowFunc),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidCredential
	}
	return sub, nil
}

func (i *JWTIssuer) baseClaims(audience, sessionID string, ttl time.Duration) jwt.MapClaims {
	now := i.nowFunc()
	return jwt.MapClaims{
		"iss": i.issuer,
		"sub": sessionID,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.New().String(),
	}
}

func (i *JWTIssuer) sign(claims jwt.MapClaims) (*Credential, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign credential: %w", err)
	}
	exp, _ := claims["exp"].(int64)
	return &Credential{Token: signed, ExpiresAt: time.Unix(exp, 0)}, nil
}

func (i *JWTIssuer) verificationKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return i.secret, nil
}
