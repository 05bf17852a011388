package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{"operator"}, true},
		{"admin bypass", []string{"admin"}, true},
		{"other role", []string{"user"}, false},
		{"no roles", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(WithUser(req.Context(), uuid.New(), tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole("operator")(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tt.allowed {
				expectStatus(t, err, http.StatusForbidden)
			}
		})
	}
}

func TestAuthSkipper(t *testing.T) {
	e := echo.New()
	for path, want := range map[string]bool{
		"/health":              true,
		"/metrics":             true,
		"/health/dependencies": true,
		"/api/v1/documents":    false,
	} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		c.SetPath(path)
		if got := AuthSkipper(c); got != want {
			t.Errorf("AuthSkipper(%s) = %v, want %v", path, got, want)
		}
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%s) = %v, want %v", path, got, want)
		}
	}
}
