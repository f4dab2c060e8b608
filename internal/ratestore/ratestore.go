// Package ratestore implements the per-IP, per-action rolling-window
// rate accounting, plus its JSON persistence.
package ratestore

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

var ErrUnknownAction = errors.New("ratestore: action is not registered")

// DefaultCompactThreshold is the number of tracked IPs above which
// Compact is triggered.
const DefaultCompactThreshold = 500

// DefaultBlacklistIP is the onion-routing exit IP every Store refuses on
// sight: a well-known default exit that every freshly bootstrapped
// daemon instance is prone to land on before it has rotated at all.
const DefaultBlacklistIP = "163.172.67.180"

// ActionDef is a registered action's limit and rolling window.
type ActionDef struct {
	Name     string
	Limit    int
	WindowMs int64
}

// LiveIPsFunc reports which exit IPs are currently presented by a live
// circuit, used by Compact to decide what is safe to drop.
type LiveIPsFunc func() map[string]struct{}

// Store is the rolling-window action accounting keyed by exit IP.
type Store struct {
	mu sync.Mutex

	series    map[string]map[string][]int64 // ip -> action -> timestamps ms, oldest first
	actions   map[string]ActionDef
	blacklist map[string]struct{}

	compactThreshold int
	liveIPs          LiveIPsFunc

	// Now is overridable for tests; defaults to the wall clock.
	Now func() time.Time
}

// New creates an empty Store. liveIPs may be nil until the caller wires
// Compact's circuit-awareness; a nil liveIPs treats no IP as live.
func New(liveIPs LiveIPsFunc) *Store {
	if liveIPs == nil {
		liveIPs = func() map[string]struct{} { return nil }
	}
	s := &Store{
		series:           make(map[string]map[string][]int64),
		actions:          make(map[string]ActionDef),
		blacklist:        make(map[string]struct{}),
		compactThreshold: DefaultCompactThreshold,
		liveIPs:          liveIPs,
		Now:              time.Now,
	}
	s.blacklist[DefaultBlacklistIP] = struct{}{}
	return s
}

// RegisterAction adds or overwrites an action's limit/window. Idempotent
// on name; later registrations win.
func (s *Store) RegisterAction(name string, limit int, windowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = ActionDef{Name: name, Limit: limit, WindowMs: windowMs}
}

func (s *Store) nowMs() int64 {
	return s.Now().UnixMilli()
}

// AddBlacklist marks ip as never usable.
func (s *Store) AddBlacklist(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[ip] = struct{}{}
}

// IsBlacklisted reports whether ip is on the blacklist.
func (s *Store) IsBlacklisted(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklist[ip]
	return ok
}

// RecordAction appends the current timestamp to ip's series for action.
func (s *Store) RecordAction(ip, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[action]; !ok {
		return ErrUnknownAction
	}
	s.ensureLocked(ip, action)
	s.series[ip][action] = append(s.series[ip][action], s.nowMs())
	return nil
}

// ensureLocked creates the ip/action entries if missing. Caller holds mu.
func (s *Store) ensureLocked(ip, action string) {
	if _, ok := s.series[ip]; !ok {
		s.series[ip] = make(map[string][]int64)
	}
	if _, ok := s.series[ip][action]; !ok {
		s.series[ip][action] = nil
	}
}

// EnsureIP initializes an entry for ip across every registered action
// without recording anything, used by the Coordinator's onChangedIP so
// a newly observed IP always has series to query.
func (s *Store) EnsureIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.actions {
		s.ensureLocked(ip, name)
	}
}

// IsAvailable reports whether one more action of the given name could
// still be recorded against ip: false if blacklisted, true if ip is
// unknown (fresh), otherwise true iff the preened series is under limit.
func (s *Store) IsAvailable(ip, action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, blocked := s.blacklist[ip]; blocked {
		return false
	}
	if _, known := s.series[ip]; !known {
		return true
	}

	s.preenLocked(ip)

	def, ok := s.actions[action]
	if !ok {
		return true
	}
	return len(s.series[ip][action]) < def.Limit
}

// Preen drops, for every registered action, leading timestamps older
// than now - windowMs[action].
func (s *Store) Preen(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preenLocked(ip)
}

func (s *Store) preenLocked(ip string) {
	actionSeries, ok := s.series[ip]
	if !ok {
		return
	}
	now := s.nowMs()
	for name, def := range s.actions {
		ts := actionSeries[name]
		if len(ts) == 0 {
			continue
		}
		cut := 0
		for cut < len(ts) && (now-ts[cut]) > def.WindowMs {
			cut++
		}
		if cut > 0 {
			actionSeries[name] = ts[cut:]
		}
	}
}

// Compact preens every tracked IP and drops any IP whose series are all
// empty and which is not the active exit IP of any live circuit.
func (s *Store) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.liveIPs()
	for ip := range s.series {
		s.preenLocked(ip)
	}
	for ip, actionSeries := range s.series {
		if _, isLive := live[ip]; isLive {
			continue
		}
		empty := true
		for _, ts := range actionSeries {
			if len(ts) > 0 {
				empty = false
				break
			}
		}
		if empty {
			delete(s.series, ip)
		}
	}
}

// Len reports how many IPs are currently tracked, used to decide when
// Compact should run.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.series)
}

// CompactThreshold returns the configured compaction trigger.
func (s *Store) CompactThreshold() int {
	return s.compactThreshold
}

// SetCompactThreshold overrides the default (mostly for tests).
func (s *Store) SetCompactThreshold(n int) {
	s.compactThreshold = n
}

// CopyAmbiguousTimestamps copies (not moves) every timestamp on oldIP
// strictly newer than cutoff into newIP's series, for each registered
// action. This is a deliberate double-count: it compensates for the
// ambiguous window around an IP change rather than risk losing a
// rate-limited action entirely.
func (s *Store) CopyAmbiguousTimestamps(oldIP, newIP string, cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffMs := cutoff.UnixMilli()
	oldSeries, ok := s.series[oldIP]
	if !ok {
		return
	}
	for name, ts := range oldSeries {
		var ambiguous []int64
		for _, t := range ts {
			if t > cutoffMs {
				ambiguous = append(ambiguous, t)
			}
		}
		if len(ambiguous) == 0 {
			continue
		}
		s.ensureLocked(newIP, name)
		s.series[newIP][name] = append(s.series[newIP][name], ambiguous...)
	}
}

// SeriesLen reports the number of entries for (ip, action); used by
// tests verifying reportAction never drops entries.
func (s *Store) SeriesLen(ip, action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.series[ip][action])
}

// persistedShape is the stable JSON shape: ip -> action -> [ms,...].
type persistedShape map[string]map[string][]int64

// SnapshotToPersistence serializes the full store as stable JSON.
func (s *Store) SnapshotToPersistence() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shape := make(persistedShape, len(s.series))
	for ip, actionSeries := range s.series {
		copySeries := make(map[string][]int64, len(actionSeries))
		for name, ts := range actionSeries {
			copyTs := make([]int64, len(ts))
			copy(copyTs, ts)
			copySeries[name] = copyTs
		}
		shape[ip] = copySeries
	}
	return json.MarshalIndent(shape, "", "  ")
}

// LoadFromPersistence replaces the store's contents with the given
// persisted JSON, the inverse of SnapshotToPersistence.
func (s *Store) LoadFromPersistence(data []byte) error {
	var shape persistedShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[string]map[string][]int64, len(shape))
	for ip, actionSeries := range shape {
		s.series[ip] = actionSeries
	}
	return nil
}

// PersistencePath returns the default cache file name for a given cache
// format version.
func PersistencePath(version string) string {
	return "proxyratecache-" + version + ".json"
}

// Save writes the store's snapshot to path as a full-file overwrite.
func (s *Store) Save(path string) error {
	data, err := s.SnapshotToPersistence()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load populates the store from path. A missing file yields an empty
// store rather than an error.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info().Str("path", path).Msg("ratestore: no persisted cache found, starting empty")
			return nil
		}
		return err
	}
	if err := s.LoadFromPersistence(data); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("ratestore: persisted cache unreadable, starting empty")
		return nil
	}
	return nil
}
