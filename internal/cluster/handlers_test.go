package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/vlebourl/redlights/internal/memstore"
	"github.com/vlebourl/redlights/internal/ride"
)

func newClusterApp(t *testing.T) (*fiber.App, *memstore.Store, *Engine) {
	t.Helper()
	store := memstore.New()
	e := NewEngine(store, 10, nil)
	app := fiber.New()
	RegisterRoutes(app.Group("/clusters"), e, func(c *fiber.Ctx) error { return c.Next() })
	return app, store, e
}

func TestClusterHandlers(t *testing.T) {
	app, store, e := newClusterApp(t)
	seedSession(t, store, "s1", t0, stopSpec{45.76, 4.83, 20})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.AssignSession(ctx, "s1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/clusters/", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list clusters status: %v", err)
	}
	var list []ride.Cluster
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Fatalf("decode list: %v (%d)", err, len(list))
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/clusters/1", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get cluster status %d", resp.StatusCode)
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/clusters/nearby?lat=45.76&lng=4.83", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("nearby status %d", resp.StatusCode)
	}
	var near []ride.Cluster
	if err := json.NewDecoder(resp.Body).Decode(&near); err != nil || len(near) != 1 {
		t.Fatalf("decode nearby: %v", err)
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodPost, "/clusters/rebuild", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rebuild status %d", resp.StatusCode)
	}
}

func TestClusterHandlersErrors(t *testing.T) {
	app, _, _ := newClusterApp(t)

	cases := []struct {
		path string
		want int
	}{
		{"/clusters/abc", http.StatusBadRequest},
		{"/clusters/42", http.StatusNotFound},
		{"/clusters/nearby?lat=45.76", http.StatusBadRequest},
		{"/clusters/nearby?lat=95&lng=4", http.StatusBadRequest},
		{"/clusters/nearby?lat=45&lng=4&radius_m=-1", http.StatusBadRequest},
		{"/clusters/?limit=abc", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, tc.path, nil))
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.want, resp.StatusCode)
		}
	}
}

func TestRebuildRequiresAuth(t *testing.T) {
	e := NewEngine(memstore.New(), 10, nil)
	app := fiber.New()
	RegisterRoutes(app.Group("/clusters"), e, func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	})

	resp, _ := app.Test(httptest.NewRequest(http.MethodPost, "/clusters/rebuild", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", resp.StatusCode)
	}
	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/clusters/", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reads stay public, got %d", resp.StatusCode)
	}
}
