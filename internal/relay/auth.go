package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vesaa/talonwatch/internal/apperrors"
)

const tokenIssuer = "talonwatch"

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 dashboard tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator; ttl <= 0 falls back to one hour.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL is the lifetime of issued tokens.
func (a *Authenticator) TTL() time.Duration { return a.ttl }

// GenerateJWT creates a signed token for username valid for the configured TTL.
func (a *Authenticator) GenerateJWT(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("Authenticator.GenerateJWT: %w", err)
	}
	return signed, nil
}

// ParseJWT validates signature, expiry and issuer. Every failure wraps ErrInvalidToken.
func (a *Authenticator) ParseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("Authenticator.ParseJWT: %w: %v", apperrors.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("Authenticator.ParseJWT: %w", apperrors.ErrInvalidToken)
	}
	return claims, nil
}

// JWTMiddleware guards control routes. It expects: Authorization: Bearer <jwt>.
// A missing header is 401; a bad or expired token is 403.
// On success the username is stored in the gin context as "username".
func (a *Authenticator) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing Authorization header",
			})
			return
		}

		tokenStr, ok := bearerToken(raw)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := a.ParseJWT(tokenStr)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, apperrors.ErrInvalidToken) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": apperrors.ErrInvalidToken.Error(),
			})
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
