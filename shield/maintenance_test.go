package shield

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/esquisse/dbopen"
)

func setupShieldDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func TestMaintenance_Off(t *testing.T) {
	db := setupShieldDB(t)
	m := NewMaintenance(db)

	handler := m.Middleware(okHandler())
	req := httptest.NewRequest("GET", "/api/render", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when maintenance off, got %d", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("expected OK body, got %q", w.Body.String())
	}
}

func TestMaintenance_On(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE maintenance SET active = 1, message = 'rolling out template packs' WHERE id = 1`)

	m := NewMaintenance(db)

	handler := m.Middleware(okHandler())
	req := httptest.NewRequest("POST", "/api/render", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when maintenance on, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	if ra := w.Header().Get("Retry-After"); ra != "300" {
		t.Errorf("expected Retry-After: 300, got %q", ra)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(body["error"], "rolling out template packs") {
		t.Errorf("expected maintenance message in body, got %q", body["error"])
	}
}

func TestMaintenance_ExcludedPath(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)

	m := NewMaintenance(db, "/healthz", "/static/")

	handler := m.Middleware(okHandler())

	for _, path := range []string{"/healthz", "/static/style.css"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("path %q should bypass maintenance, got %d", path, w.Code)
		}
	}
}

func TestMaintenance_NoTable(t *testing.T) {
	db := dbopen.OpenMemory(t)

	// No maintenance table means the gate stays open.
	m := NewMaintenance(db)
	if m.Active() {
		t.Error("expected maintenance off when table missing")
	}

	handler := m.Middleware(okHandler())
	req := httptest.NewRequest("GET", "/api/system", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when no table, got %d", w.Code)
	}
}

func TestMaintenance_Toggle(t *testing.T) {
	db := setupShieldDB(t)
	m := NewMaintenance(db)

	if m.Active() {
		t.Fatal("expected off initially")
	}

	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	m.reload()
	if !m.Active() {
		t.Fatal("expected on after toggle")
	}

	db.Exec(`UPDATE maintenance SET active = 0 WHERE id = 1`)
	m.reload()
	if m.Active() {
		t.Fatal("expected off after second toggle")
	}
}

func TestMaintenance_DefaultMessage(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)

	m := NewMaintenance(db)
	if m.Message() != defaultMaintenanceMessage {
		t.Errorf("expected seeded default message, got %q", m.Message())
	}
}
