package main

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hb9tf/groundhog/export"
	"github.com/hb9tf/groundhog/ghog"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCatalog map[string][]export.Record

func (f fakeCatalog) Lookup(ctx context.Context, file string) ([]export.Record, error) {
	return f[file], nil
}

func testServer(t *testing.T) (*GroundhogServer, chan export.Record) {
	t.Helper()
	dir := t.TempDir()
	w, err := ghog.Create(filepath.Join(dir, "groundhog0000.ghog"), ghog.Header{
		SamplesPerTrace:  20,
		PretrigSamples:   4,
		PRF:              1000,
		StackCount:       8,
		TriggerThreshold: 100,
		SampleRate:       1e6,
	}, ghog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		data := make([]int64, 20)
		data[4] = 1000
		data[10] = int64(50 * i)
		if err := w.Write(ghog.Trace{Time: t0.Add(time.Duration(i) * time.Second), Data: data}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	records := make(chan export.Record, 10)
	return &GroundhogServer{
		dataDir: dir,
		records: records,
		catalog: fakeCatalog{"groundhog0000.ghog": {{Identifier: "gh1", File: "groundhog0000.ghog", Trace: 1, Time: t0}}},
	}, records
}

func get(t *testing.T, s *GroundhogServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListFiles(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/groundhog/v1/files")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var files []fileEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &files); err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "groundhog0000.ghog" || files[0].Size == 0 {
		t.Errorf("files = %+v", files)
	}
}

func TestFileDetail(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/groundhog/v1/files/groundhog0000.ghog")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var d fileDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Traces != 3 || !d.Complete || d.Header.SamplesPerTrace != 20 {
		t.Errorf("detail = %+v", d)
	}
	if !d.First.Equal(t0) || !d.Last.Equal(t0.Add(2*time.Second)) {
		t.Errorf("covers %s to %s", d.First, d.Last)
	}
	if len(d.Records) != 1 || d.Records[0].Identifier != "gh1" {
		t.Errorf("records = %+v", d.Records)
	}
}

func TestBadFileNames(t *testing.T) {
	s, _ := testServer(t)
	tests := []struct {
		path string
		want int
	}{
		{"/groundhog/v1/files/missing.ghog", http.StatusNotFound},
		{"/groundhog/v1/files/notes.txt", http.StatusBadRequest},
		{"/groundhog/v1/files/..ghog", http.StatusBadRequest},
		{"/groundhog/v1/files/missing.ghog/quicklook.png", http.StatusNotFound},
	}
	for _, tc := range tests {
		if rec := get(t, s, tc.path); rec.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}
}

func TestQuicklook(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/groundhog/v1/files/groundhog0000.ghog/quicklook.png?width=2&tpow=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 20 {
		t.Errorf("quicklook is %dx%d, want 2x20", b.Dx(), b.Dy())
	}

	if rec := get(t, s, "/groundhog/v1/files/groundhog0000.ghog/quicklook.png?pclip=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad pclip answered %d", rec.Code)
	}
}

func TestCollect(t *testing.T) {
	s, records := testServer(t)
	body := `[{"identifier":"gh1","file":"groundhog0000.ghog","trace":1},{"identifier":"gh1","file":"groundhog0000.ghog","trace":2}]`
	rec := httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/groundhog/v1/collect", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp export.CollectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RecordCount != 2 || len(records) != 2 {
		t.Errorf("response = %+v with %d records queued", resp, len(records))
	}
	if r := <-records; r.Trace != 1 || r.Identifier != "gh1" {
		t.Errorf("first record = %+v", r)
	}

	rec = httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/groundhog/v1/collect", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body answered %d", rec.Code)
	}

	s.records = nil
	rec = httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/groundhog/v1/collect", strings.NewReader(body)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("collect without a catalog answered %d", rec.Code)
	}
}
