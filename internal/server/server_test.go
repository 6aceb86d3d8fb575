package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/bleepfs/internal/config"
	"github.com/bleepstore/bleepfs/internal/engine"
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/render"
	"github.com/bleepstore/bleepfs/internal/storage"
	"github.com/bleepstore/bleepfs/internal/versioning"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

type testServer struct {
	*Server
	eng *engine.Engine
	ts  *httptest.Server
}

func newTestServerWithPages(t *testing.T, pages storage.PageStore) *testServer {
	t.Helper()
	cfg := config.Default()
	eng := engine.New(metadata.NewMemoryStore(), pages, engine.Options{VersioningActive: true})
	eng.Pipeline().Register(versioning.NewTrigger(eng.Accessor()))
	t.Cleanup(func() { eng.Close() })

	srv, err := New(cfg, eng)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: srv, eng: eng, ts: ts}
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithPages(t, storage.NewMemoryBackend(0))
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body HealthBody
	if err := json.Unmarshal([]byte(readBody(t, resp)), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}

	resp = s.do(t, "HEAD", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("HEAD status = %d", resp.StatusCode)
	}
}

type unhealthyPages struct {
	storage.PageStore
}

func (unhealthyPages) HealthCheck(ctx context.Context) error {
	return errors.New("disk gone")
}

func TestHealthUnavailable(t *testing.T) {
	s := newTestServerWithPages(t, unhealthyPages{})
	resp := s.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCommonHeaders(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "GET", "/health", "", nil)
	if id := resp.Header.Get(render.RequestIDHeader); len(id) != 16 {
		t.Errorf("request id = %q", id)
	}
	if resp.Header.Get("Server") != "bleepfs" {
		t.Errorf("Server = %q", resp.Header.Get("Server"))
	}
}

func TestVersioningConfigEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "GET", "/versioning/config", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty GET status = %d, want 404", resp.StatusCode)
	}

	resp = s.do(t, "PUT", "/versioning/config?collection=logs", `{"exclude_unless_explicit":true,"max_revisions":3}`,
		map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", resp.StatusCode, readBody(t, resp))
	}

	resp = s.do(t, "GET", "/versioning/config?collection=logs", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	var body VersioningConfigBody
	if err := json.Unmarshal([]byte(readBody(t, resp)), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !body.ExcludeUnlessExplicit || body.MaxRevisions != 3 || body.Exclude {
		t.Errorf("body = %+v", body)
	}

	got, err := s.eng.VersioningConfiguration(context.Background(), "logs")
	if err != nil || got == nil || got.MaxRevisions != 3 {
		t.Errorf("stored = %+v, err = %v", got, err)
	}

	resp = s.do(t, "GET", "/versioning/config?collection=a/b", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("nested collection status = %d, want 400", resp.StatusCode)
	}
}

func TestFileLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "PUT", "/versioning/config", `{"max_revisions":2}`, map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT config status = %d", resp.StatusCode)
	}

	for _, body := range []string{"one", "two", "three"} {
		resp := s.do(t, "PUT", "/files/docs/1", body, map[string]string{"X-Meta-Author": "ann"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT status = %d: %s", resp.StatusCode, readBody(t, resp))
		}
	}
	s.eng.FlushDeletions(context.Background())

	resp = s.do(t, "GET", "/files/docs/1", "", nil)
	if got := readBody(t, resp); got != "three" {
		t.Errorf("live body = %q", got)
	}
	if got := resp.Header.Get("X-Meta-File-Revision"); got != "3" {
		t.Errorf("X-Meta-File-Revision = %q", got)
	}

	resp = s.do(t, "GET", "/revisions/docs/1", "", nil)
	var revs render.RevisionList
	if err := json.Unmarshal([]byte(readBody(t, resp)), &revs); err != nil {
		t.Fatalf("decoding revisions: %v", err)
	}
	if len(revs.Revisions) != 2 || revs.Revisions[0].Name != "docs/1/revisions/2" {
		t.Errorf("revisions = %+v", revs.Revisions)
	}

	resp = s.do(t, "PUT", "/files/docs/1/revisions/2", "tampered", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("PUT revision status = %d, want 403", resp.StatusCode)
	}

	resp = s.do(t, "DELETE", "/files/docs/1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d", resp.StatusCode)
	}
	resp = s.do(t, "HEAD", "/files/docs/1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("HEAD after delete status = %d", resp.StatusCode)
	}

	resp = s.do(t, "GET", "/files?prefix=docs/", "", nil)
	var list render.FileList
	if err := json.Unmarshal([]byte(readBody(t, resp)), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Files) != 2 {
		t.Errorf("files after delete = %d, want the 2 revisions", len(list.Files))
	}
}

func TestEscapedNames(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "PUT", "/files/docs/hello%20world.txt", "hi", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	if _, err := s.eng.GetFile(context.Background(), "docs/hello world.txt"); err != nil {
		t.Errorf("stored under unexpected name: %v", err)
	}
}

func TestUnknownRoutes(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "GET", "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
	if !strings.Contains(readBody(t, resp), "NoSuchRoute") {
		t.Error("unknown path body lacks error code")
	}

	resp = s.do(t, "POST", "/files/a", "x", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "GET", "/openapi.json", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal([]byte(readBody(t, resp)), &doc); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	for _, p := range []string{"/health", "/versioning/config"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("OpenAPI document missing %s", p)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "PUT", "/files/m", "abc", nil)

	resp := s.do(t, "GET", "/metrics", "", nil)
	body := readBody(t, resp)
	for _, name := range []string{"bleepfs_http_requests_total", "bleepfs_file_writes_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestTransferEncodingCheck(t *testing.T) {
	h := transferEncodingCheck(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("PUT", "/files/a", strings.NewReader("x"))
	req.TransferEncoding = []string{"identity"}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("identity status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest("PUT", "/files/a", strings.NewReader("x"))
	req.TransferEncoding = []string{"chunked"}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("chunked status = %d, want 200", rec.Code)
	}
}
