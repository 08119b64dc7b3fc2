package export

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hb9tf/groundhog/ghog"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)

func feed(records ...Record) <-chan Record {
	ch := make(chan Record, len(records))
	for _, r := range records {
		ch <- r
	}
	close(ch)
	return ch
}

func TestPeak(t *testing.T) {
	tests := []struct {
		data    []int64
		peak    int64
		peakIdx int
	}{
		{nil, 0, 0},
		{[]int64{1, 5, -3}, 5, 1},
		{[]int64{1, 5, -9, 9}, 9, 2},
	}
	for _, tc := range tests {
		if peak, idx := Peak(tc.data); peak != tc.peak || idx != tc.peakIdx {
			t.Errorf("Peak(%v) = %d, %d, want %d, %d", tc.data, peak, idx, tc.peak, tc.peakIdx)
		}
	}
}

func TestNewRecord(t *testing.T) {
	r := NewRecord("gh1", "groundhog0001.ghog", 7, 1000, 32, ghog.Trace{Time: t0, Data: []int64{0, -40, 12}})
	want := Record{Identifier: "gh1", File: "groundhog0001.ghog", Trace: 7, Time: t0, PRF: 1000, Stack: 32, Peak: 40, PeakIndex: 1}
	if r != want {
		t.Errorf("NewRecord() = %+v, want %+v", r, want)
	}
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	c := &CSV{W: &buf}
	if err := c.Write(context.Background(), feed(Record{Identifier: "gh1", File: "f.ghog", Trace: 1, Time: t0, PRF: 1000.5, Stack: 4, Peak: 9, PeakIndex: 3})); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if want := "gh1,f.ghog,1,1709294400123456,1000.5,4,9,3"; lines[1] != want {
		t.Errorf("record line = %q, want %q", lines[1], want)
	}
}

type memExporter struct {
	mu      sync.Mutex
	records []Record
	block   chan struct{}
}

func (m *memExporter) Write(ctx context.Context, records <-chan Record) error {
	if m.block != nil {
		<-m.block
	}
	for r := range records {
		m.mu.Lock()
		m.records = append(m.records, r)
		m.mu.Unlock()
	}
	return nil
}

func TestSink(t *testing.T) {
	exp := &memExporter{}
	s := NewSink(context.Background(), exp, "gh1", "f.ghog", 1000, 8)
	for i := 0; i < 3; i++ {
		if err := s.Write(ghog.Trace{Time: t0, Data: []int64{int64(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(exp.records) != 3 {
		t.Fatalf("exporter got %d records, want 3", len(exp.records))
	}
	for i, r := range exp.records {
		if r.Trace != uint64(i+1) || r.Peak != int64(i) || r.File != "f.ghog" {
			t.Errorf("record %d = %+v", i, r)
		}
	}
}

func TestSinkDropsWhenExporterStalls(t *testing.T) {
	exp := &memExporter{block: make(chan struct{})}
	s := NewSink(context.Background(), exp, "gh1", "f.ghog", 1000, 8)
	for i := 0; i < sinkBuffer+10; i++ {
		s.Write(ghog.Trace{Time: t0, Data: []int64{1}})
	}
	if s.dropped != 10 {
		t.Errorf("dropped %d records, want 10", s.dropped)
	}
	close(exp.block)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(exp.records) != sinkBuffer {
		t.Errorf("exporter got %d records, want %d", len(exp.records), sinkBuffer)
	}
}

func TestSQLite(t *testing.T) {
	c, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.DB.Close()

	ctx := context.Background()
	records := []Record{
		{Identifier: "gh1", File: "a.ghog", Trace: 2, Time: t0.Add(time.Second), PRF: 1000, Stack: 8, Peak: 30, PeakIndex: 5},
		{Identifier: "gh1", File: "a.ghog", Trace: 1, Time: t0, PRF: 1000, Stack: 8, Peak: 20, PeakIndex: 5},
		{Identifier: "gh1", File: "b.ghog", Trace: 1, Time: t0, PRF: 1000, Stack: 8, Peak: 10, PeakIndex: 5},
	}
	if err := c.Write(ctx, feed(records...)); err != nil {
		t.Fatal(err)
	}
	// A second run appends to the existing table.
	if err := c.Write(ctx, feed()); err != nil {
		t.Fatal(err)
	}

	got, err := c.Lookup(ctx, "a.ghog")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Lookup() returned %d records, want 2", len(got))
	}
	if got[0] != records[1] || got[1] != records[0] {
		t.Errorf("Lookup() = %+v, want records in trace order", got)
	}
	if got, err := c.Lookup(ctx, "missing.ghog"); err != nil || len(got) != 0 {
		t.Errorf("Lookup() of unknown file = %v, %v", got, err)
	}
}

func TestMySQLDSN(t *testing.T) {
	pw := filepath.Join(t.TempDir(), "pw")
	if err := os.WriteFile(pw, []byte("secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	dsn, err := MySQLConfig{Server: "db:3306", User: "gh", PasswordFile: pw, DBName: "groundhog"}.DSN()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dsn, "gh:secret@tcp(db:3306)/groundhog") {
		t.Errorf("DSN() = %q", dsn)
	}
	if _, err := (MySQLConfig{PasswordFile: filepath.Join(t.TempDir(), "missing")}).DSN(); err == nil {
		t.Error("DSN() with a missing password file succeeded")
	}
}

func TestRemote(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]Record
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+CollectEndpoint || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var recs []Record
		if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		batches = append(batches, recs)
		mu.Unlock()
		json.NewEncoder(w).Encode(CollectResponse{Status: "ok", RecordCount: len(recs)})
	}))
	defer srv.Close()

	var records []Record
	for i := 1; i <= 5; i++ {
		records = append(records, Record{Identifier: "gh1", File: "a.ghog", Trace: uint64(i), Time: t0})
	}
	r := &Remote{Server: srv.URL + "/", SendRecordCount: 2}
	if err := r.Write(context.Background(), feed(records...)); err != nil {
		t.Fatal(err)
	}
	if len(batches) != 3 || len(batches[2]) != 1 {
		t.Fatalf("server got batches %v, want sizes 2, 2, 1", batches)
	}
	if batches[2][0].Trace != 5 || !batches[2][0].Time.Equal(t0) {
		t.Errorf("last record = %+v", batches[2][0])
	}
}
