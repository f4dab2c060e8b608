package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/falconscript/proxyratemanager/internal/circuit"
)

type fakeScraper struct {
	name    string
	results []*Candidate
	err     error
}

func (f *fakeScraper) Name() string { return f.name }
func (f *fakeScraper) Scrape(ctx context.Context) ([]*Candidate, error) {
	return f.results, f.err
}

type memStorage struct {
	mu    sync.Mutex
	saved map[string]*Candidate
}

func (m *memStorage) Load() (map[string]*Candidate, error) {
	return make(map[string]*Candidate), nil
}
func (m *memStorage) Save(candidates map[string]*Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = candidates
	return nil
}

func newRespondingProbeServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
}

func TestRunScrapeCycleSkipsAlreadyKnownCoordinates(t *testing.T) {
	srv := newRespondingProbeServer(t, "ip: 198.51.100.1")
	defer srv.Close()

	store := &memStorage{}
	var promoted int
	m := New(store, func(def circuit.Definition) (*circuit.Circuit, error) {
		promoted++
		return circuit.New(def), nil
	}, "http://example.invalid/raw_external_ip")

	known := newCandidate("203.0.113.5", 80, circuit.SchemeHTTP, "manual")
	m.candidates[known.ID] = known

	scraper := &fakeScraper{name: "test-source", results: []*Candidate{
		newCandidate("203.0.113.5", 80, circuit.SchemeHTTP, "test-source"),
	}}
	m.AddScraper(scraper)

	m.runScrapeCycle(context.Background())

	if promoted != 0 {
		t.Errorf("expected no promotion for an already-known coordinate, got %d", promoted)
	}
}

func TestRunScrapeCyclePromotesNewlyVerifiedCandidate(t *testing.T) {
	host, port := splitTestServerURL(t, newProbeOKServer(t))

	store := &memStorage{}
	var promoted []circuit.Definition
	m := New(store, func(def circuit.Definition) (*circuit.Circuit, error) {
		promoted = append(promoted, def)
		return circuit.New(def), nil
	}, "http://example.invalid/raw_external_ip")

	scraper := &fakeScraper{name: "test-source", results: []*Candidate{
		newCandidate(host, port, circuit.SchemeHTTP, "test-source"),
	}}
	m.AddScraper(scraper)

	m.runScrapeCycle(context.Background())

	if len(promoted) != 1 {
		t.Fatalf("expected exactly one promoted candidate, got %d", len(promoted))
	}
	if promoted[0].Host != host || promoted[0].Port != port {
		t.Errorf("promoted definition = %+v, want host/port %s:%d", promoted[0], host, port)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.candidates) != 1 {
		t.Fatalf("expected 1 tracked candidate, got %d", len(m.candidates))
	}
	for _, c := range m.candidates {
		if !c.Verified {
			t.Error("expected the tracked candidate to be marked verified")
		}
	}
}

func TestRunScrapeCycleIgnoresFailingScraperButKeepsOthers(t *testing.T) {
	host, port := splitTestServerURL(t, newProbeOKServer(t))

	store := &memStorage{}
	var promoted int
	m := New(store, func(def circuit.Definition) (*circuit.Circuit, error) {
		promoted++
		return circuit.New(def), nil
	}, "http://example.invalid/raw_external_ip")

	m.AddScraper(&fakeScraper{name: "broken-source", err: context.DeadlineExceeded})
	m.AddScraper(&fakeScraper{name: "good-source", results: []*Candidate{
		newCandidate(host, port, circuit.SchemeHTTP, "good-source"),
	}})

	m.runScrapeCycle(context.Background())

	if promoted != 1 {
		t.Errorf("expected the working scraper's candidate to still be promoted, got %d promotions", promoted)
	}
}

func TestRunRevalidationCycleRemovesCandidateAfterTooManyFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unreachable", http.StatusBadGateway)
	}))
	defer srv.Close()
	host, port := splitTestServerURL(t, srv)

	store := &memStorage{}
	m := New(store, func(def circuit.Definition) (*circuit.Circuit, error) {
		return circuit.New(def), nil
	}, "http://example.invalid/raw_external_ip")

	c := newCandidate(host, port, circuit.SchemeHTTP, "flaky-source")
	c.FailureCount = maxFailuresBeforeRemoval - 1
	c.NextChecked = time.Now().Add(-time.Minute)
	m.candidates[c.ID] = c

	m.runRevalidationCycle(context.Background())

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, stillPresent := m.candidates[c.ID]; stillPresent {
		t.Error("expected the candidate to be evicted after exceeding the failure ceiling")
	}
}

func TestRunRevalidationCycleSkipsCandidatesNotYetDue(t *testing.T) {
	store := &memStorage{}
	m := New(store, func(def circuit.Definition) (*circuit.Circuit, error) {
		return circuit.New(def), nil
	}, "http://example.invalid/raw_external_ip")

	c := newCandidate("203.0.113.9", 8080, circuit.SchemeHTTP, "manual")
	c.NextChecked = time.Now().Add(time.Hour)
	m.candidates[c.ID] = c

	m.runRevalidationCycle(context.Background())

	m.mu.RLock()
	defer m.mu.RUnlock()
	got := m.candidates[c.ID]
	if got.FailureCount != 0 || got.SuccessCount != 0 {
		t.Errorf("expected a not-yet-due candidate to be left untouched, got %+v", got)
	}
}

func newProbeOKServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ip: 198.51.100.1"))
	}))
}

func splitTestServerURL(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("failed to parse test server port: %v", err)
	}
	return u.Hostname(), port
}
