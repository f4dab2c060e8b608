package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/client"
	"github.com/falconscript/proxyratemanager/internal/ratestore"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// AddCircuitFunc is how a validated Candidate gets promoted into the
// live pool. Defined here (not imported from coordinator) to avoid an
// import cycle; Coordinator.AddCircuit satisfies this signature.
type AddCircuitFunc func(def circuit.Definition) (*circuit.Circuit, error)

// Manager runs the scrape -> validate -> promote cycle.
type Manager struct {
	storage     Storage
	scrapers    []Scraper
	addCircuit  AddCircuitFunc
	probeURL    string
	revalidationBatchSize int

	mu         sync.RWMutex
	candidates map[string]*Candidate

	scrapeTicker *time.Ticker
	healthTicker *time.Ticker
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// New creates a Manager. addCircuit is called once per freshly verified
// candidate; probeURL is the IP-probe endpoint used to validate reachability.
func New(storage Storage, addCircuit AddCircuitFunc, probeURL string) *Manager {
	return &Manager{
		storage:               storage,
		addCircuit:            addCircuit,
		probeURL:              probeURL,
		revalidationBatchSize: 20,
		candidates:            make(map[string]*Candidate),
		stopChan:              make(chan struct{}),
	}
}

// AddScraper registers a source to poll on every scrape cycle.
func (m *Manager) AddScraper(s Scraper) {
	m.scrapers = append(m.scrapers, s)
}

// Start loads the persisted candidate set and begins the background
// scrape/revalidate scheduler.
func (m *Manager) Start(scrapeInterval, healthCheckInterval time.Duration) {
	l := logger.WithComponent("discovery/Manager")

	loaded, err := m.storage.Load()
	if err != nil {
		l.Error().Err(err).Msg("failed to load persisted candidates, starting empty")
	} else {
		m.mu.Lock()
		m.candidates = loaded
		m.mu.Unlock()
	}

	m.scrapeTicker = time.NewTicker(scrapeInterval)
	m.healthTicker = time.NewTicker(healthCheckInterval)

	m.wg.Add(1)
	go m.schedulerLoop()
	go m.runScrapeCycle(context.Background())
}

// Stop halts the scheduler and persists the final candidate set.
func (m *Manager) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	if err := m.save(); err != nil {
		logger.Error().Err(err).Msg("discovery: failed to save candidates on shutdown")
	}
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("discovery/Manager")

	for {
		select {
		case <-m.scrapeTicker.C:
			go m.runScrapeCycle(context.Background())
		case <-m.healthTicker.C:
			go m.runRevalidationCycle(context.Background())
		case <-m.stopChan:
			m.scrapeTicker.Stop()
			m.healthTicker.Stop()
			l.Info().Msg("discovery scheduler stopped")
			return
		}
	}
}

func (m *Manager) runScrapeCycle(ctx context.Context) {
	l := logger.WithComponent("discovery/Manager")

	var wg sync.WaitGroup
	found := make(chan []*Candidate, len(m.scrapers))
	for _, s := range m.scrapers {
		wg.Add(1)
		go func(sc Scraper) {
			defer wg.Done()
			cands, err := sc.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Msg("scraper failed")
				return
			}
			found <- cands
		}(s)
	}
	wg.Wait()
	close(found)

	var fresh []*Candidate
	m.mu.RLock()
	for batch := range found {
		for _, c := range batch {
			if !m.hasCoordinate(c.Host, c.Port) {
				fresh = append(fresh, c)
			}
		}
	}
	m.mu.RUnlock()

	if len(fresh) == 0 {
		return
	}

	l.Info().Int("count", len(fresh)).Msg("validating newly discovered candidates")
	m.validateAndPromote(ctx, fresh)
	m.save()
}

func (m *Manager) hasCoordinate(host string, port int) bool {
	for _, c := range m.candidates {
		if c.Host == host && c.Port == port {
			return true
		}
	}
	return false
}

func (m *Manager) runRevalidationCycle(ctx context.Context) {
	l := logger.WithComponent("discovery/Manager")
	now := time.Now()

	m.mu.RLock()
	var due []*Candidate
	for _, c := range m.candidates {
		if !c.NextChecked.IsZero() && c.NextChecked.Before(now) {
			due = append(due, c)
		}
	}
	m.mu.RUnlock()

	if len(due) == 0 {
		return
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextChecked.Before(due[j].NextChecked) })
	if len(due) > m.revalidationBatchSize {
		due = due[:m.revalidationBatchSize]
	}

	l.Debug().Int("count", len(due)).Msg("revalidating due candidates")
	m.validateAndPromote(ctx, due)

	m.mu.Lock()
	for id, c := range m.candidates {
		if c.FailureCount >= maxFailuresBeforeRemoval {
			delete(m.candidates, id)
		}
	}
	m.mu.Unlock()

	m.save()
}

// validateAndPromote probes each candidate through its own assumed
// scheme; a successful probe with a returned IP is treated as reachable
// and, whenever a candidate that was not verified succeeds (its first
// success, or a success after a failure), promoted into the live pool.
func (m *Manager) validateAndPromote(ctx context.Context, candidates []*Candidate) {
	l := logger.WithComponent("discovery/Manager")
	store := ratestore.New(nil)

	for _, c := range candidates {
		ephemeral := circuit.New(c.ToDefinition())
		probeClient := client.NewPolling(ephemeral, store)

		start := time.Now()
		_, err := probeClient.Probe(ctx, m.probeURL)
		latency := time.Since(start)

		wasVerified := c.Verified
		if err != nil {
			c.markFailure()
			l.Debug().Str("host", c.Host).Int("port", c.Port).Err(err).Msg("candidate validation failed")
		} else {
			c.markSuccess(latency)
			if !wasVerified {
				if _, err := m.addCircuit(c.ToDefinition()); err != nil {
					l.Warn().Err(err).Str("host", c.Host).Int("port", c.Port).Msg("failed to promote validated candidate")
				} else {
					l.Info().Str("host", c.Host).Int("port", c.Port).Str("source", c.Source).Msg("candidate promoted to live pool")
				}
			}
		}

		m.mu.Lock()
		m.candidates[c.ID] = c
		m.mu.Unlock()
	}
}

func (m *Manager) save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage.Save(m.candidates)
}
