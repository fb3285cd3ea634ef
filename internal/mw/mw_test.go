package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleaning-sync-backend/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenVerifier_RoundTrip(t *testing.T) {
	v := NewTokenVerifier("secret")
	want := model.Identity{CleanerID: 42, TenantID: 7, Role: "cleaner"}

	token, err := v.Issue(want, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTokenVerifier_Rejects(t *testing.T) {
	v := NewTokenVerifier("secret")

	expired, err := v.Issue(model.Identity{CleanerID: 1, TenantID: 1}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.Error(t, err)

	otherKey, err := NewTokenVerifier("other").Issue(model.Identity{CleanerID: 1, TenantID: 1}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(otherKey)
	assert.Error(t, err)

	noTenant, err := v.Issue(model.Identity{CleanerID: 1}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(noTenant)
	assert.Error(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		TenantID:         1,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Verify(badSubject)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	v := NewTokenVerifier("secret")
	r := gin.New()
	r.GET("/me", Authenticate(v), func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, id)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := v.Issue(model.Identity{CleanerID: 3, TenantID: 9}, time.Hour)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cleaner_id":3`)
}

func TestRateLimiter_PerCaller(t *testing.T) {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Cleaner"); id == "a" {
			c.Set(identityKey, model.Identity{CleanerID: 1, TenantID: 1})
		} else {
			c.Set(identityKey, model.Identity{CleanerID: 2, TenantID: 1})
		}
	}, RateLimiter(0.001, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(cleaner string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Cleaner", cleaner)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
}

func TestCache_PerCaller(t *testing.T) {
	store := cache.New(time.Minute, time.Minute)
	calls := 0

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Cleaner") == "a" {
			c.Set(identityKey, model.Identity{CleanerID: 1, TenantID: 1})
		} else {
			c.Set(identityKey, model.Identity{CleanerID: 2, TenantID: 1})
		}
	}, Cache(store, time.Minute))
	r.GET("/report", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"calls": calls})
	})

	do := func(cleaner string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/report", nil)
		req.Header.Set("X-Cleaner", cleaner)
		r.ServeHTTP(w, req)
		return w
	}

	first := do("a")
	assert.JSONEq(t, `{"calls":1}`, first.Body.String())

	hit := do("a")
	assert.JSONEq(t, `{"calls":1}`, hit.Body.String())
	assert.Equal(t, "HIT", hit.Header().Get("X-Cache"))

	other := do("b")
	assert.JSONEq(t, `{"calls":2}`, other.Body.String())
}
