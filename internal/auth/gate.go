package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

const (
	HeaderAPIKey = "X-API-Key"
	identityKey  = "auth.identity"

	anonymousSubject = "anonymous"
)

// Identity is the caller resolved from a request
type Identity struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

// Claims carried by bearer tokens
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Options struct {
	Enabled   bool
	JWTSecret string
	AdminRole string
	// bcrypt hashes of operator API keys
	OperatorKeyHashes []string
}

// Gate authenticates HTTP requests with HS256 bearer tokens or operator API keys
type Gate struct {
	enabled   bool
	secret    []byte
	adminRole string
	keyHashes [][]byte
}

func NewGate(opts Options) *Gate {
	role := opts.AdminRole
	if role == "" {
		role = "admin"
	}
	hashes := make([][]byte, 0, len(opts.OperatorKeyHashes))
	for _, h := range opts.OperatorKeyHashes {
		hashes = append(hashes, []byte(h))
	}
	return &Gate{
		enabled:   opts.Enabled,
		secret:    []byte(opts.JWTSecret),
		adminRole: role,
		keyHashes: hashes,
	}
}

func (g *Gate) AdminRole() string {
	return g.adminRole
}

// Authorize resolves the caller. With auth disabled every request is the
// anonymous admin.
func (g *Gate) Authorize(r *http.Request) (Identity, error) {
	if !g.enabled {
		return Identity{Subject: anonymousSubject, Role: g.adminRole}, nil
	}

	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return g.authorizeKey(key)
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthorized
	}
	return g.ParseToken(strings.TrimSpace(token))
}

// ParseToken validates an HS256 token and returns its identity
func (g *Gate) ParseToken(raw string) (Identity, error) {
	if len(g.secret) == 0 {
		return Identity{}, ErrUnauthorized
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// IssueToken signs a token for subject. Used by operators and tests.
func (g *Gate) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if len(g.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// operator keys carry the admin role
func (g *Gate) authorizeKey(key string) (Identity, error) {
	for _, hash := range g.keyHashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return Identity{Subject: "operator:" + keyFingerprint(key), Role: g.adminRole}, nil
		}
	}
	return Identity{}, ErrUnauthorized
}

func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// RequireAuth rejects requests without a valid identity
func (g *Gate) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := g.Authorize(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireRole runs RequireAuth and then checks the role claim
func (g *Gate) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := g.Authorize(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		if id.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// FromContext returns the identity stored by the middleware
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
