package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-engine/internal/response"
)

const (
	// ContextKeyUserID is the Gin context key for the authenticated user id.
	ContextKeyUserID = "user_id"
)

// TokenVerifier validates HS256 tokens issued by the identity service.
// The subject claim carries the user id.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a TokenVerifier for the shared secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Issue signs a token for userID. Used by tooling and tests.
func (v *TokenVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenStr and returns its subject.
func (v *TokenVerifier) Verify(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.Subject, nil
}

// RequireJWT validates a bearer token from the Authorization header.
func RequireJWT(verifier *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authenticate(c, verifier, tokenStr)
	}
}

// RequireWSAuth validates a token from the query param ?token=...
// Used for WebSocket upgrade requests.
func RequireWSAuth(verifier *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			tokenStr = bearerToken(c)
		}
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authenticate(c, verifier, tokenStr)
	}
}

// GetUserID retrieves the authenticated user id from the Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func authenticate(c *gin.Context, verifier *TokenVerifier, tokenStr string) {
	userID, err := verifier.Verify(tokenStr)
	if err != nil {
		code := response.ErrTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = response.ErrTokenExpired
		}
		response.AbortFail(c, http.StatusUnauthorized, code)
		return
	}
	c.Set(ContextKeyUserID, userID)
	c.Next()
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}
