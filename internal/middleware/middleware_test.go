package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/streamweave/backend/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	jwtService := auth.NewJWTService("secret", 1)
	r := gin.New()
	r.GET("/me", AuthMiddleware(jwtService), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"identity": c.GetString(IdentityKey), "role": c.GetString(RoleKey)})
	})
	r.GET("/ops", AuthMiddleware(jwtService), RequireRole(auth.RoleOperator), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer nope")
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	token, err := jwtService.GenerateToken("alice", auth.RoleStreamer)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = serve(r, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"identity":"alice","role":"streamer"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ops", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusForbidden, serve(r, req).Code)
}

type sharedFunc func(identity, action string, rate, burst int) (bool, error)

func (f sharedFunc) AllowAction(identity, action string, rate, burst int) (bool, error) {
	return f(identity, action, rate, burst)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, nil)
	r := gin.New()
	r.GET("/x", RateLimitMiddleware(rl), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		codes = append(codes, serve(r, req).Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	require.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestRateLimiterPrefersShared(t *testing.T) {
	var calls int
	deny := sharedFunc(func(identity, action string, rate, burst int) (bool, error) {
		calls++
		require.Equal(t, "alice", identity)
		require.Equal(t, 2, rate)
		require.Equal(t, 4, burst)
		return false, nil
	})
	require.False(t, NewRateLimiter(2, deny).Allow("alice", "/x"))
	require.Equal(t, 1, calls)

	broken := sharedFunc(func(string, string, int, int) (bool, error) { return false, errors.New("down") })
	require.True(t, NewRateLimiter(2, broken).Allow("alice", "/x"))
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(1, nil)
	rl.getLimiter("old")
	rl.getLimiter("new")
	rl.limiters["old"].lastSeen = time.Now().Add(-time.Hour)

	rl.sweep(time.Now())
	require.NotContains(t, rl.limiters, "old")
	require.Contains(t, rl.limiters, "new")
}
