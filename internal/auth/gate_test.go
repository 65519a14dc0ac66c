package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestGate(t *testing.T, operatorKey string) *Gate {
	t.Helper()
	var hashes []string
	if operatorKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(operatorKey), bcrypt.MinCost)
		require.NoError(t, err)
		hashes = append(hashes, string(hash))
	}
	return NewGate(Options{
		Enabled:           true,
		JWTSecret:         testSecret,
		AdminRole:         "admin",
		OperatorKeyHashes: hashes,
	})
}

func bearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAuthorizeBearer(t *testing.T) {
	g := newTestGate(t, "")

	token, err := g.IssueToken("alice", "admin", time.Minute)
	require.NoError(t, err)

	id, err := g.Authorize(bearer(token))
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "alice", Role: "admin"}, id)
}

func TestAuthorizeRejects(t *testing.T) {
	g := newTestGate(t, "")

	expired, err := g.IssueToken("alice", "admin", -time.Minute)
	require.NoError(t, err)

	other := NewGate(Options{Enabled: true, JWTSecret: "other"})
	foreign, err := other.IssueToken("alice", "admin", time.Minute)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	cases := map[string]*http.Request{
		"missing header": httptest.NewRequest(http.MethodGet, "/", nil),
		"garbage":        bearer("not-a-token"),
		"expired":        bearer(expired),
		"wrong secret":   bearer(foreign),
		"no expiry":      bearer(noExp),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := g.Authorize(req)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestAuthorizeRejectsOtherAlgorithms(t *testing.T) {
	g := newTestGate(t, "")

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = g.Authorize(bearer(token))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeAPIKey(t *testing.T) {
	g := newTestGate(t, "op-key-1")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "op-key-1")
	id, err := g.Authorize(req)
	require.NoError(t, err)
	assert.Equal(t, "admin", id.Role)
	assert.Contains(t, id.Subject, "operator:")

	req.Header.Set(HeaderAPIKey, "wrong")
	_, err = g.Authorize(req)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDisabledGateAllowsAnonymousAdmin(t *testing.T) {
	g := NewGate(Options{Enabled: false})

	id, err := g.Authorize(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "anonymous", Role: "admin"}, id)
}

func TestMiddleware(t *testing.T) {
	g := newTestGate(t, "")

	r := gin.New()
	r.GET("/user", g.RequireAuth(), func(c *gin.Context) {
		id, _ := FromContext(c)
		c.String(http.StatusOK, id.Subject)
	})
	r.GET("/admin", g.RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	viewer, err := g.IssueToken("bob", "viewer", time.Minute)
	require.NoError(t, err)
	admin, err := g.IssueToken("alice", "admin", time.Minute)
	require.NoError(t, err)

	do := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("/user", "").Code)

	w := do("/user", viewer)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do("/admin", "").Code)
	assert.Equal(t, http.StatusForbidden, do("/admin", viewer).Code)
	assert.Equal(t, http.StatusNoContent, do("/admin", admin).Code)
}
