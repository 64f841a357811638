package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mdsync/mdsync/internal/app"
	"github.com/mdsync/mdsync/internal/config"
)

func newTestServer(t *testing.T, mode app.Mode, pinned string) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{Host: "127.0.0.1", Port: 8000}
	core, err := app.New(cfg, root, mode, pinned)
	if err != nil {
		t.Fatalf("app.New() failed: %v", err)
	}
	t.Cleanup(core.Close)
	return New(core), root
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	payload := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("response is not a JSON object: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, payload
}

func TestContentAndSave_FolderMode(t *testing.T) {
	srv, _ := newTestServer(t, app.ModeFolder, "")
	mux := srv.routes()

	rec, _ := doJSON(t, mux, http.MethodPost, "/api/save", `{"file":"doc.md","content":"# hi\n"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body.String())
	}

	rec, payload := doJSON(t, mux, http.MethodGet, "/api/content?file=doc.md", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("content status = %d: %s", rec.Code, rec.Body.String())
	}
	if payload["content"] != "# hi\n" {
		t.Errorf("content = %q, want %q", payload["content"], "# hi\n")
	}
	meta, ok := payload["metadata"].(map[string]any)
	if !ok || meta["path"] != "doc.md" {
		t.Errorf("metadata = %v", payload["metadata"])
	}
}

func TestContent_PinnedFileDefault(t *testing.T) {
	srv, root := newTestServer(t, app.ModeFile, "pinned.md")
	if err := os.WriteFile(filepath.Join(root, "pinned.md"), []byte("pinned body"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	mux := srv.routes()

	rec, payload := doJSON(t, mux, http.MethodGet, "/api/content", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("content status = %d: %s", rec.Code, rec.Body.String())
	}
	if payload["content"] != "pinned body" {
		t.Errorf("content = %q", payload["content"])
	}
}

func TestContent_MissingFileParamInFolderMode(t *testing.T) {
	srv, _ := newTestServer(t, app.ModeFolder, "")
	rec, _ := doJSON(t, srv.routes(), http.MethodGet, "/api/content", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStatusCodes_TypedErrors(t *testing.T) {
	srv, _ := newTestServer(t, app.ModeFolder, "")
	mux := srv.routes()

	cases := []struct {
		name   string
		target string
		want   int
	}{
		{"traversal", "/api/content?file=" + url.QueryEscape("../outside.md"), http.StatusBadRequest},
		{"not found", "/api/content?file=missing.md", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doJSON(t, mux, http.MethodGet, tc.target, "")
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestFileTree_FolderModeOnly(t *testing.T) {
	srv, _ := newTestServer(t, app.ModeFile, "pinned.md")
	rec, _ := doJSON(t, srv.routes(), http.MethodGet, "/api/file-tree", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("file-tree in file mode status = %d, want 400", rec.Code)
	}
}

func TestFileOperations(t *testing.T) {
	srv, _ := newTestServer(t, app.ModeFolder, "")
	mux := srv.routes()

	rec, _ := doJSON(t, mux, http.MethodPost, "/api/files/create", `{"file":"new.md"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	rec, _ = doJSON(t, mux, http.MethodPost, "/api/files/create", `{"file":"script.sh"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create non-markdown status = %d, want 400", rec.Code)
	}

	rec, payload := doJSON(t, mux, http.MethodPost, "/api/files/rename", `{"file":"new.md","new_name":"renamed.md"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", rec.Code, rec.Body.String())
	}
	if payload["file"] != "renamed.md" {
		t.Errorf("renamed file = %v", payload["file"])
	}

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/files/delete", `{"file":"renamed.md"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	rec, _ = doJSON(t, mux, http.MethodGet, "/api/content?file=renamed.md", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("content after delete status = %d, want 404", rec.Code)
	}
}

func TestModeAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, app.ModeFolder, "")
	mux := srv.routes()

	rec, payload := doJSON(t, mux, http.MethodGet, "/api/mode", "")
	if rec.Code != http.StatusOK || payload["mode"] != "folder" {
		t.Errorf("mode response = %d %v", rec.Code, payload)
	}

	rec, payload = doJSON(t, mux, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || payload["status"] != "ok" {
		t.Errorf("health response = %d %v", rec.Code, payload)
	}
}
