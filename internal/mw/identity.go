package mw

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"cleaning-sync-backend/internal/model"
)

const identityKey = "identity"

// Claims carries the authenticated cleaner. The subject is the cleaner id.
type Claims struct {
	TenantID int64  `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 tokens issued by the identity provider.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Issue signs a token for id valid for ttl.
func (v *TokenVerifier) Issue(id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: id.TenantID,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.CleanerID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the identity it carries.
func (v *TokenVerifier) Verify(tokenString string) (model.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return model.Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return model.Identity{}, fmt.Errorf("invalid token")
	}
	cleanerID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || cleanerID <= 0 {
		return model.Identity{}, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	if claims.TenantID <= 0 {
		return model.Identity{}, fmt.Errorf("token has no tenant")
	}
	return model.Identity{CleanerID: cleanerID, TenantID: claims.TenantID, Role: claims.Role}, nil
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller's identity on the context.
func Authenticate(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "missing bearer token"})
			return
		}
		id, err := v.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "invalid token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(c *gin.Context) (model.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return model.Identity{}, false
	}
	id, ok := v.(model.Identity)
	return id, ok
}

// callerKey keys per-caller state, falling back to the client IP for
// unauthenticated routes.
func callerKey(c *gin.Context) string {
	if id, ok := IdentityFrom(c); ok {
		return fmt.Sprintf("cleaner:%d:%d", id.TenantID, id.CleanerID)
	}
	return "ip:" + c.ClientIP()
}
