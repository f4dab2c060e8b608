// Package discovery scrapes public proxy-list sites for candidate
// circuits, validates them, and feeds the survivors into the
// Coordinator's pool, supplementing a manually configured circuit list
// with automatically discovered ones.
package discovery

import (
	"time"

	"github.com/google/uuid"

	"github.com/falconscript/proxyratemanager/internal/circuit"
)

// maxFailuresBeforeRemoval drops a candidate once this many consecutive
// validation attempts have failed.
const maxFailuresBeforeRemoval = 7

// successIntervals/failureIntervals are the re-check backoff ladders.
var (
	successIntervals = []time.Duration{
		1 * time.Hour,
		12 * time.Hour,
		24 * time.Hour,
		48 * time.Hour,
		72 * time.Hour,
		120 * time.Hour,
	}
	failureIntervals = []time.Duration{
		1 * time.Hour,
		12 * time.Hour,
		24 * time.Hour,
		48 * time.Hour,
		72 * time.Hour,
		120 * time.Hour,
	}
)

// Candidate is a scraped, not-yet-trusted circuit coordinate.
type Candidate struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme circuit.Scheme `json:"scheme"`
	Source string `json:"source"`

	Verified     bool      `json:"verified"`
	Latency      time.Duration `json:"latency"`
	LastChecked  time.Time `json:"last_checked"`
	NextChecked  time.Time `json:"next_checked"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
}

// newCandidate mints a Candidate with a fresh identity, due for
// immediate validation.
func newCandidate(host string, port int, scheme circuit.Scheme, source string) *Candidate {
	now := time.Now()
	return &Candidate{
		ID:          uuid.NewString(),
		Host:        host,
		Port:        port,
		Scheme:      scheme,
		Source:      source,
		LastChecked: now,
		NextChecked: now,
	}
}

// markSuccess records a successful validation and schedules the next
// check per the success backoff ladder.
func (c *Candidate) markSuccess(latency time.Duration) {
	c.Verified = true
	c.Latency = latency
	c.FailureCount = 0
	c.SuccessCount++
	c.LastChecked = time.Now()
	c.NextChecked = c.LastChecked.Add(intervalAt(successIntervals, c.SuccessCount-1))
}

// markFailure records a failed validation and schedules the next check
// per the failure backoff ladder.
func (c *Candidate) markFailure() {
	c.Verified = false
	c.FailureCount++
	c.SuccessCount = 0
	c.LastChecked = time.Now()
	c.NextChecked = c.LastChecked.Add(intervalAt(failureIntervals, c.FailureCount-1))
}

func intervalAt(ladder []time.Duration, index int) time.Duration {
	if index < 0 {
		index = 0
	}
	if index >= len(ladder) {
		index = len(ladder) - 1
	}
	return ladder[index]
}

// ToDefinition converts a verified Candidate into a circuit Definition
// suitable for Coordinator.AddCircuit.
func (c *Candidate) ToDefinition() circuit.Definition {
	return circuit.Definition{
		Host:          c.Host,
		Port:          c.Port,
		Scheme:        c.Scheme,
		InCyclingPool: true,
	}
}
