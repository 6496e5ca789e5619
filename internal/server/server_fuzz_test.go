package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/internal/registry"
)

// FuzzServiceNameRoutes feeds arbitrary names to the :name routes. The router
// must never panic or answer 5xx, and unsafe names must be rejected before
// they reach the backend.
func FuzzServiceNameRoutes(f *testing.F) {
	f.Add("search")
	f.Add("")
	f.Add("..")
	f.Add("../etc/passwd")
	f.Add("name with space")
	f.Add("unicode한글name")
	f.Add("name\x00null")
	f.Add("a.b_c-d")

	gin.SetMode(gin.TestMode)
	b := newFake()
	h := NewRouter(b, "/api", false).Handler()

	f.Fuzz(func(t *testing.T, name string) {
		if len(name) > 200 {
			t.Skip("name too long")
		}
		for _, target := range []struct{ method, suffix string }{
			{http.MethodGet, ""},
			{http.MethodPost, "/restart"},
			{http.MethodPost, "/run"},
		} {
			prefix := "/api/services/"
			if target.suffix == "/run" {
				prefix = "/api/jobs/"
			}
			path := prefix + url.PathEscape(name) + target.suffix
			req, err := http.NewRequest(target.method, path, nil)
			if err != nil {
				return
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code >= 500 {
				t.Fatalf("%s %s answered %d", target.method, path, rec.Code)
			}
			if rec.Code == http.StatusOK && !registry.IsSafeName(name) {
				t.Fatalf("unsafe name %q reached the backend", name)
			}
		}
		for _, r := range b.restarted {
			if !registry.IsSafeName(r) || strings.ContainsAny(r, `/\`) {
				t.Fatalf("backend saw unsafe name %q", r)
			}
		}
	})
}
