package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/krobus00/stream-gateway/internal/entity"
)

var (
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrExpiredToken = fmt.Errorf("%w: token expired", ErrUnauthenticated)
	ErrMissingClaim = fmt.Errorf("%w: missing required claim", ErrUnauthenticated)
)

type streamClaims struct {
	Name              string   `json:"name,omitempty"`
	Permissions       []string `json:"permissions,omitempty"`
	RateLimit         int      `json:"rate_limit,omitempty"`
	RateWindowSeconds int      `json:"rate_window_seconds,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 bearer tokens and maps their claims to an identity.
type JWTVerifier struct {
	secret        []byte
	defaultPolicy *entity.RateLimitPolicy
}

func NewJWTVerifier(secret []byte, defaultPolicy *entity.RateLimitPolicy) *JWTVerifier {
	return &JWTVerifier{secret: secret, defaultPolicy: defaultPolicy}
}

func (v *JWTVerifier) Verify(tokenString string) (*entity.AuthIdentity, error) {
	claims := &streamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	policy := v.defaultPolicy
	if claims.RateLimit > 0 {
		window := time.Duration(claims.RateWindowSeconds) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		policy = &entity.RateLimitPolicy{Limit: claims.RateLimit, Window: window}
	}

	return entity.NewAuthIdentity(claims.Subject, claims.Name, claims.Permissions, policy), nil
}

// Generate signs a token for subject. Used by operators to mint client tokens.
func (v *JWTVerifier) Generate(subject, name string, permissions []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := streamClaims{
		Name:        name,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
