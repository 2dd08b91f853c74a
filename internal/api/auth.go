package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	checkoutctx "github.com/yourorg/nursery-checkout/internal/context"
)

const (
	buyerKey  = "checkout.buyer"
	roleKey   = "checkout.role"
	roleAdmin = "admin"
)

var errMissingToken = errors.New("missing bearer token")

// TokenClaims are the claims of the shop's HS256 access tokens.
type TokenClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs claims with secret. The shop's auth service owns token
// issuance; this exists for tooling and tests.
func IssueToken(secret []byte, claims TokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) parseToken(header string) (*TokenClaims, error) {
	raw := strings.TrimSpace(header)
	if len(raw) < 7 || !strings.EqualFold(raw[:7], "bearer ") {
		return nil, errMissingToken
	}
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw[7:]), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if s.issuer != "" && !claims.VerifyIssuer(s.issuer, true) {
		return nil, fmt.Errorf("token issuer %q is not trusted", claims.Issuer)
	}
	return claims, nil
}

// authenticate turns the bearer token into the request's BuyerContext and
// TraceContext.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.parseToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: " + err.Error(), "code": "unauthorized"})
			return
		}
		tc, buyer, err := s.builder.BuildContexts(c.Request.Context(), checkoutctx.Claims{
			Subject: claims.Subject,
			Name:    claims.Name,
			Email:   claims.Email,
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: " + err.Error(), "code": "unauthorized"})
			return
		}
		c.Request = c.Request.WithContext(checkoutctx.WithTraceContext(c.Request.Context(), tc))
		c.Set(buyerKey, buyer)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(roleKey) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": "forbidden"})
			return
		}
		c.Next()
	}
}

func buyerFrom(c *gin.Context) checkoutctx.BuyerContext {
	b, _ := c.Get(buyerKey)
	buyer, _ := b.(checkoutctx.BuyerContext)
	return buyer
}
