package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	hverrors "github.com/haven-home/haven/internal/errors"
	"github.com/haven-home/haven/internal/models"
	"github.com/haven-home/haven/internal/registry"
	"github.com/haven-home/haven/internal/secrets"
	"github.com/haven-home/haven/internal/spaces"
	"github.com/haven-home/haven/internal/store"
	"github.com/haven-home/haven/internal/supervisor"
	"github.com/haven-home/haven/internal/websocket"
)

func newTestRouter(t *testing.T) (*Router, *store.Store, *secrets.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sec, err := secrets.New(t.TempDir(), st)
	if err != nil {
		t.Fatalf("secrets.New failed: %v", err)
	}

	reg := registry.New(nil)
	sup := supervisor.New(reg, sec, supervisor.Callbacks{}, supervisor.Options{})

	hub := websocket.NewHub()
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	spaceReg := spaces.Load(
		[]*models.Space{{ID: "living-room", DisplayName: "Living Room"}},
		[]*models.Source{{ID: "src-1", SpaceID: "living-room", AdapterID: "hue-1", EntityID: "bulb-1"}},
		[]spaces.PropertyRow{{SourceID: "src-1", Property: &models.SourceProperty{Property: models.PropertyIllumination}}},
	)

	return NewRouter(sup, spaceReg, st, hub), st, sec
}

func doGet(t *testing.T, rt *Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	rec := doGet(t, rt, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestListAdapters_RedactsSecrets(t *testing.T) {
	rt, st, sec := newTestRouter(t)

	ref, err := sec.Store("bridge-token-42")
	if err != nil {
		t.Fatalf("secret store failed: %v", err)
	}
	if err := st.SaveAdapter(&models.AdapterRecord{
		ID: "hue-1", Type: "hue", DisplayName: "Hue",
		ConfigBag: map[string]any{"host": "192.168.1.2", "token": ref},
	}); err != nil {
		t.Fatalf("SaveAdapter failed: %v", err)
	}

	rec := doGet(t, rt, "/api/adapters")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if strings.Contains(body, secrets.ReferencePrefix) {
		t.Error("A raw secret reference leaked through the listing")
	}
	if strings.Contains(body, "bridge-token-42") {
		t.Error("Plaintext leaked through the listing")
	}
	if !strings.Contains(body, secrets.Placeholder) {
		t.Errorf("Expected placeholder in listing, got %s", body)
	}
	if !strings.Contains(body, "192.168.1.2") {
		t.Error("Non-secret config values must survive the listing")
	}
}

func TestDeleteAdapter_CascadesSecrets(t *testing.T) {
	rt, st, sec := newTestRouter(t)

	ref, err := sec.Store("bridge-token-42")
	if err != nil {
		t.Fatalf("secret store failed: %v", err)
	}
	if err := st.SaveAdapter(&models.AdapterRecord{
		ID: "hue-1", Type: "hue", DisplayName: "Hue",
		ConfigBag: map[string]any{"host": "192.168.1.2", "token": ref},
	}); err != nil {
		t.Fatalf("SaveAdapter failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/adapters/hue-1", nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := st.GetAdapter("hue-1"); !errors.Is(err, hverrors.ErrNotFound) {
		t.Errorf("Expected the record to be gone, got %v", err)
	}
	if _, err := sec.Resolve(ref); !errors.Is(err, hverrors.ErrUnknownReference) {
		t.Errorf("Expected the secret row to be erased, got %v", err)
	}
}

func TestDeleteAdapter_UnknownIs404(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/adapters/ghost", nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown adapter, got %d", rec.Code)
	}
}

func TestAdapterLogs_NotFound(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	rec := doGet(t, rt, "/api/adapters/ghost/logs")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unmanaged adapter, got %d", rec.Code)
	}
}

func TestListSpaces(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	rec := doGet(t, rt, "/api/spaces")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Spaces []*models.Space `json:"spaces"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(body.Spaces) != 1 || body.Spaces[0].ID != "living-room" {
		t.Fatalf("Unexpected spaces payload: %+v", body.Spaces)
	}
	if len(body.Spaces[0].Sources) != 1 || body.Spaces[0].Sources[0].EntityID != "bulb-1" {
		t.Errorf("Unexpected sources payload: %+v", body.Spaces[0].Sources)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	if rec := doGet(t, rt, "/api/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}
