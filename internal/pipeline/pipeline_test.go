package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pacgen/internal/artifacts"
	"pacgen/internal/delegation"
	"pacgen/internal/domain"
	"pacgen/internal/netblock"
	"pacgen/internal/registry"
)

const (
	testProxy  = "PROXY 127.0.0.1:8080;"
	testRecord = "2|apnic|20240101|3|19830613|20240101|+1000\n" +
		"apnic|*|ipv4|*|3|summary\n" +
		"apnic|CN|ipv4|1.2.3.0|256|20100101|allocated\n" +
		"apnic|JP|ipv4|1.0.16.0|4096|20110412|allocated\n" +
		"apnic|CN|ipv6|2001:250::|35|20000426|allocated\n"
)

type registryServer struct {
	mu       sync.Mutex
	body     string
	etag     string
	status   int
	requests int
	sentTags []string
}

func (s *registryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.sentTags = append(s.sentTags, r.Header.Get("If-None-Match"))

	if s.status != 0 {
		http.Error(w, "unavailable", s.status)
		return
	}
	if s.etag != "" && r.Header.Get("If-None-Match") == s.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if s.etag != "" {
		w.Header().Set("ETag", s.etag)
	}
	_, _ = w.Write([]byte(s.body))
}

func newTestPipeline(t *testing.T, reg *registryServer) (*Pipeline, artifacts.Store) {
	t.Helper()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := artifacts.Store{
		RecordFile: filepath.Join(dir, "ip_record.txt"),
		PACFile:    filepath.Join(dir, "pac.txt"),
		ETagFile:   filepath.Join(dir, "last_etag.txt"),
	}
	return &Pipeline{
		Store:   store,
		Source:  &registry.Fetcher{URL: srv.URL, Client: srv.Client()},
		Country: "CN",
		Proxy:   testProxy,
	}, store
}

func TestRunEndToEnd(t *testing.T) {
	reg := &registryServer{body: testRecord, etag: `"v1"`}
	p, store := newTestPipeline(t, reg)

	outcome, err := p.Run(context.Background(), Options{Reason: "test"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Records != 1 || outcome.Entries != 1 {
		t.Fatalf("Run records=%d entries=%d, want 1 and 1", outcome.Records, outcome.Entries)
	}
	if outcome.RunID == "" || len(outcome.SHA256) != 64 {
		t.Fatalf("Run outcome missing id or digest: %+v", outcome)
	}

	script, err := store.ReadPAC()
	if err != nil {
		t.Fatalf("ReadPAC returned error: %v", err)
	}
	if !bytes.Equal(script, outcome.Script) {
		t.Fatal("written script differs from outcome script")
	}
	if !strings.Contains(string(script), `"1.2.3.0": "255.255.255.0"`) {
		t.Fatalf("script does not contain the CN block:\n%s", script)
	}
	if strings.Contains(string(script), "1.0.16.0") {
		t.Fatal("script contains a block of another country")
	}

	record, err := os.ReadFile(store.RecordFile)
	if err != nil || string(record) != testRecord {
		t.Fatalf("record file = %q, %v; want verbatim registry copy", record, err)
	}
	if etag, _ := store.ReadETag(); etag != `"v1"` {
		t.Fatalf("ReadETag returned %q, want %q", etag, `"v1"`)
	}
}

func TestRunNotModifiedUsesCachedRecord(t *testing.T) {
	reg := &registryServer{body: testRecord, etag: `"v1"`}
	p, store := newTestPipeline(t, reg)
	ctx := context.Background()

	first, err := p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}
	second, err := p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}

	if !second.NotModified {
		t.Fatal("second Run did not observe 304")
	}
	if !bytes.Equal(first.Script, second.Script) {
		t.Fatal("regeneration from cached record is not byte-identical")
	}
	if reg.sentTags[1] != `"v1"` {
		t.Fatalf("second request sent If-None-Match %q, want %q", reg.sentTags[1], `"v1"`)
	}
	if _, err := store.ReadPAC(); err != nil {
		t.Fatalf("ReadPAC returned error: %v", err)
	}
}

func TestRunForceSkipsETag(t *testing.T) {
	reg := &registryServer{body: testRecord, etag: `"v1"`}
	p, _ := newTestPipeline(t, reg)
	ctx := context.Background()

	if _, err := p.Run(ctx, Options{}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	outcome, err := p.Run(ctx, Options{Force: true})
	if err != nil {
		t.Fatalf("forced Run returned error: %v", err)
	}
	if outcome.NotModified {
		t.Fatal("forced Run reported NotModified")
	}
	if reg.sentTags[1] != "" {
		t.Fatalf("forced request sent If-None-Match %q, want none", reg.sentTags[1])
	}
}

func TestRunInvalidSizeWritesNothing(t *testing.T) {
	reg := &registryServer{body: "apnic|CN|ipv4|1.2.3.0|256|20100101|allocated\n" +
		"apnic|CN|ipv4|5.6.7.0|300|20100101|allocated\n"}
	p, store := newTestPipeline(t, reg)

	_, err := p.Run(context.Background(), Options{})
	if !errors.Is(err, netblock.ErrInvalidAllocationSize) {
		t.Fatalf("Run error = %v, want ErrInvalidAllocationSize", err)
	}
	for _, path := range []string{store.PACFile, store.RecordFile, store.ETagFile} {
		if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
			t.Fatalf("%s exists after failed run", filepath.Base(path))
		}
	}
}

func TestRunMalformedRecord(t *testing.T) {
	reg := &registryServer{body: "apnic|CN|ipv4|1.2.3.0|256\n"}
	p, _ := newTestPipeline(t, reg)

	if _, err := p.Run(context.Background(), Options{}); !errors.Is(err, delegation.ErrMalformedRecord) {
		t.Fatalf("Run error = %v, want ErrMalformedRecord", err)
	}
}

func TestRunFetchErrorWritesNothing(t *testing.T) {
	reg := &registryServer{status: http.StatusServiceUnavailable}
	p, store := newTestPipeline(t, reg)

	_, err := p.Run(context.Background(), Options{})
	var fetchErr *registry.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Run error = %v, want FetchError 503", err)
	}
	if _, statErr := os.Stat(store.PACFile); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("pac file exists after failed fetch")
	}
}

type fakeHistory struct {
	runs []domain.GenerationRun
}

func (h *fakeHistory) RecordRun(_ context.Context, run domain.GenerationRun) error {
	h.runs = append(h.runs, run)
	return nil
}

type fakePublisher struct {
	country string
	script  []byte
}

func (p *fakePublisher) PublishPAC(_ context.Context, country string, script []byte) error {
	p.country = country
	p.script = script
	return nil
}

func TestRunRecordsHistoryAndPublishes(t *testing.T) {
	reg := &registryServer{body: testRecord}
	p, _ := newTestPipeline(t, reg)
	history := &fakeHistory{}
	publisher := &fakePublisher{}
	p.History = history
	p.Publisher = publisher

	outcome, err := p.Run(context.Background(), Options{Reason: "manual"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(history.runs) != 1 {
		t.Fatalf("history recorded %d runs, want 1", len(history.runs))
	}
	run := history.runs[0]
	if run.RunID != outcome.RunID || run.Reason != "manual" || run.Failed || run.ScriptSHA256 != outcome.SHA256 {
		t.Fatalf("recorded run = %+v, outcome = %+v", run, outcome)
	}
	if publisher.country != "CN" || !bytes.Equal(publisher.script, outcome.Script) {
		t.Fatalf("published %q for %s, want the generated script for CN", publisher.script, publisher.country)
	}
}

func TestRunRecordsFailedHistory(t *testing.T) {
	reg := &registryServer{status: http.StatusNotFound}
	p, _ := newTestPipeline(t, reg)
	history := &fakeHistory{}
	p.History = history

	if _, err := p.Run(context.Background(), Options{}); err == nil {
		t.Fatal("Run returned nil error for 404")
	}
	if len(history.runs) != 1 || !history.runs[0].Failed || history.runs[0].Error == "" {
		t.Fatalf("history = %+v, want one failed run", history.runs)
	}
}

func TestLoadTable(t *testing.T) {
	reg := &registryServer{body: testRecord}
	p, _ := newTestPipeline(t, reg)

	if _, err := p.LoadTable(); !errors.Is(err, artifacts.ErrNoRecord) {
		t.Fatalf("LoadTable before first run error = %v, want ErrNoRecord", err)
	}
	if _, err := p.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	table, err := p.LoadTable()
	if err != nil {
		t.Fatalf("LoadTable returned error: %v", err)
	}
	if mask, ok := table.Get("1.2.3.0"); !ok || mask != "255.255.255.0" {
		t.Fatalf("Get(1.2.3.0) = %q, %v; want 255.255.255.0", mask, ok)
	}
}

func TestBuildTableCountsRecords(t *testing.T) {
	input := "apnic|CN|ipv4|1.2.4.0|256|20100101|allocated\n" +
		"apnic|CN|ipv4|1.2.4.0|512|20100101|allocated\n" +
		"apnic|CN|ipv4|10.0.0.0|1024|20100101|allocated\n"
	table, records, err := BuildTable(strings.NewReader(input), "CN")
	if err != nil {
		t.Fatalf("BuildTable returned error: %v", err)
	}
	if records != 3 || table.Len() != 2 || table.Overwrites() != 1 {
		t.Fatalf("BuildTable records=%d len=%d overwrites=%d, want 3 2 1", records, table.Len(), table.Overwrites())
	}
	if mask, _ := table.Get("1.2.4.0"); mask != "255.255.254.0" {
		t.Fatalf("Get(1.2.4.0) = %q, want last write 255.255.254.0", mask)
	}
}

func TestRunRefetchesWhenCachedRecordIsMissing(t *testing.T) {
	reg := &registryServer{body: testRecord, etag: `"v1"`}
	p, store := newTestPipeline(t, reg)
	ctx := context.Background()

	if _, err := p.Run(ctx, Options{}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if err := os.Remove(store.RecordFile); err != nil {
		t.Fatalf("remove record: %v", err)
	}

	outcome, err := p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run without cached record returned error: %v", err)
	}
	if outcome.NotModified || outcome.Entries != 1 {
		t.Fatalf("Run outcome = %+v, want a fresh download", outcome)
	}
	if len(reg.sentTags) != 3 || reg.sentTags[1] != `"v1"` || reg.sentTags[2] != "" {
		t.Fatalf("requests sent tags %q, want [\"\" \"v1\" \"\"]", reg.sentTags)
	}
	if _, err := os.Stat(store.RecordFile); err != nil {
		t.Fatalf("record file not restored: %v", err)
	}
}

// stuckSource answers every request with 304, tag or not.
type stuckSource struct {
	mu   sync.Mutex
	tags []string
}

func (s *stuckSource) Fetch(_ context.Context, etag string) (*registry.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, etag)
	return &registry.Result{ETag: etag, NotModified: true}, nil
}

func TestRunRejectsNotModifiedForUnconditionalFetch(t *testing.T) {
	reg := &registryServer{body: testRecord, etag: `"v1"`}
	p, store := newTestPipeline(t, reg)
	ctx := context.Background()

	first, err := p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if err := os.Remove(store.RecordFile); err != nil {
		t.Fatalf("remove record: %v", err)
	}

	source := &stuckSource{}
	p.Source = source
	if _, err := p.Run(ctx, Options{}); !errors.Is(err, ErrNotModifiedWithoutTag) {
		t.Fatalf("Run error = %v, want ErrNotModifiedWithoutTag", err)
	}
	if len(source.tags) != 2 || source.tags[0] != `"v1"` || source.tags[1] != "" {
		t.Fatalf("source saw tags %q, want [\"v1\" \"\"]", source.tags)
	}

	script, err := store.ReadPAC()
	if err != nil {
		t.Fatalf("ReadPAC returned error: %v", err)
	}
	if !bytes.Equal(script, first.Script) {
		t.Fatalf("pac file was overwritten:\n%s", script)
	}
	if etag, _ := store.ReadETag(); etag != `"v1"` {
		t.Fatalf("ReadETag returned %q, want %q", etag, `"v1"`)
	}
}

// gatedSource holds every fetch until release is closed.
type gatedSource struct {
	entered chan string
	release chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{entered: make(chan string, 8), release: make(chan struct{})}
}

func (s *gatedSource) Fetch(_ context.Context, etag string) (*registry.Result, error) {
	s.entered <- etag
	<-s.release
	return &registry.Result{ETag: `"v2"`, Body: []byte(testRecord)}, nil
}

func TestRunSharesConcurrentExecution(t *testing.T) {
	p, _ := newTestPipeline(t, &registryServer{})
	source := newGatedSource()
	p.Source = source

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := p.Run(context.Background(), Options{Reason: "test"})
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
			outcomes[i] = outcome
		}()
		if i == 0 {
			<-source.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(source.release)
	wg.Wait()

	if n := len(source.entered); n != 0 {
		t.Fatalf("source fetched %d extra times, want a single fetch", n)
	}
	if outcomes[0] == nil || outcomes[0] != outcomes[1] {
		t.Fatalf("concurrent runs returned different outcomes: %p, %p", outcomes[0], outcomes[1])
	}
}

func TestRunForceDoesNotJoinConditionalRun(t *testing.T) {
	p, store := newTestPipeline(t, &registryServer{})
	if err := store.WriteETag(`"v1"`); err != nil {
		t.Fatalf("WriteETag returned error: %v", err)
	}
	source := newGatedSource()
	p.Source = source

	var wg sync.WaitGroup
	run := func(force bool) {
		defer wg.Done()
		if _, err := p.Run(context.Background(), Options{Reason: "test", Force: force}); err != nil {
			t.Errorf("Run(force=%v) returned error: %v", force, err)
		}
	}

	wg.Add(2)
	go run(false)
	if tag := <-source.entered; tag != `"v1"` {
		t.Fatalf("conditional run sent tag %q, want %q", tag, `"v1"`)
	}
	go run(true)
	select {
	case tag := <-source.entered:
		if tag != "" {
			t.Fatalf("forced run sent tag %q, want none", tag)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forced run joined the conditional run instead of fetching")
	}
	close(source.release)
	wg.Wait()
}
