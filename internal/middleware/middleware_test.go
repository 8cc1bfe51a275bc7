package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"xmodel-api/internal/ctx"
	"xmodel-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type fakeAuth map[string]*shared.UserMetadata

func (f fakeAuth) Authenticate(_ context.Context, token string) (*shared.UserMetadata, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return nil, shared.ErrUnauthorized
}

func newTestServer() *echo.Echo {
	users := NewUserMiddleware(fakeAuth{
		"user-token":  {UserID: 7, Role: shared.RoleUser},
		"admin-token": {UserID: 1, Role: shared.RoleAdmin},
	})
	e := echo.New()
	e.Use(NewRecoverMiddleware(zap.NewNop().Sugar()))
	e.Use(NewTrackMiddleware(zap.NewNop().Sugar()))
	e.Use(users.ExtractUser)

	e.GET("/whoami", func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		return c.JSON(200, c.User)
	}, users.RequireUser)
	e.GET("/admin", func(cc echo.Context) error {
		return cc.String(200, "ok")
	}, users.RequireAdmin)
	e.GET("/panic", func(cc echo.Context) error {
		panic("boom")
	})
	return e
}

func do(e *echo.Echo, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequireUser(t *testing.T) {
	e := newTestServer()

	rec := do(e, "/whoami", "user-token")
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"user_id":7`) {
		t.Fatalf("expected user 7, got %d %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("X-Request-ID"), "req_") {
		t.Fatalf("missing request id header, got %q", rec.Header().Get("X-Request-ID"))
	}

	for _, token := range []string{"", "bogus"} {
		if rec := do(e, "/whoami", token); rec.Code != 401 {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	e := newTestServer()
	cases := map[string]int{
		"":            401,
		"user-token":  403,
		"admin-token": 200,
	}
	for token, want := range cases {
		if rec := do(e, "/admin", token); rec.Code != want {
			t.Errorf("token %q: expected %d, got %d", token, want, rec.Code)
		}
	}
}

func TestRecoverWritesJSON(t *testing.T) {
	rec := do(newTestServer(), "/panic", "")
	if rec.Code != 500 || !strings.Contains(rec.Body.String(), `"object":"error"`) {
		t.Fatalf("expected json 500, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLogLevel(t *testing.T) {
	cases := []struct {
		status   int
		override string
		want     string
	}{
		{status: 200, want: "info"},
		{status: 404, want: "warn"},
		{status: 502, want: "error"},
		{status: 200, override: "ERROR", want: "error"},
	}
	for _, tc := range cases {
		lv := &ctx.ContextLogValues{StatusCode: tc.status, LogLevel: tc.override}
		if got := lv.Level().String(); got != tc.want {
			t.Errorf("status %d override %q: got %s, want %s", tc.status, tc.override, got, tc.want)
		}
	}
}
