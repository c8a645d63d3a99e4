package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestRouter() (*gin.Engine, *Verifier) {
	gin.SetMode(gin.TestMode)
	v := NewVerifier(testSecret)
	r := gin.New()
	r.Use(Middleware(v))
	return r, v
}

func TestMiddlewareValidToken(t *testing.T) {
	r, _ := newTestRouter()
	r.GET("/whoami", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user":  c.GetString(ContextKeyUserID),
			"admin": c.GetBool(ContextKeyIsAdmin),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "usr_1", "user"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMiddlewareRejectsBadSignature(t *testing.T) {
	r, _ := newTestRouter()
	r.GET("/whoami", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "usr_1"})
	s, _ := other.SignedString([]byte("wrong-secret-wrong-secret-wrong!"))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+s)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	r, _ := newTestRouter()
	r.GET("/whoami", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	r, _ := newTestRouter()
	r.GET("/admin", RequireAuth(), RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "usr_1", "user"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "usr_2", "admin"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", w.Code)
	}
}

func TestQueryParamToken(t *testing.T) {
	r, _ := newTestRouter()
	r.GET("/ws", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+signToken(t, "usr_1", "user"), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
