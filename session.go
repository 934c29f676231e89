package phantomlink

import (
	"container/list"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"sync/atomic"
	"time"
)

// adjectives and nouns are the fixed word lists session codes are drawn
// from, carried over from original_source/session_manager.py's
// ADJECTIVES/NOUNS tables so generated codes read the same way.
var adjectives = []string{
	"swift", "calm", "bright", "quiet", "bold", "keen", "vivid", "steady",
	"gentle", "sharp", "brisk", "lucid", "nimble", "quiet", "serene", "fleet",
}

var nouns = []string{
	"neural", "cortex", "synapse", "axon", "signal", "pulse", "spike",
	"current", "circuit", "wave", "vector", "grid", "node", "relay", "field",
}

// sessionEntry is one live session: its engine, bookkeeping, and filter
// state. Held in SessionManager.order, an insertion-ordered list doubling
// as an LRU.
type sessionEntry struct {
	code         string
	engine       *PlaybackEngine
	createdAt    time.Time
	lastActiveAt time.Time
	connections  atomic.Int32
	trialFilter  *int
	targetFilter *int

	elem *list.Element // this entry's node in SessionManager.order
}

// SessionInfo is the read-only view SessionManager.Get/List hands to
// callers (httpapi's /api/sessions responses), decoupled from the live
// sessionEntry so callers cannot mutate manager state.
type SessionInfo struct {
	Code           string
	CreatedAt      time.Time
	LastActiveAt   time.Time
	Connections    int32
	TrialFilter    *int
	TargetFilter   *int
	EngineStatus   EngineStatus
}

// SessionManager owns the shared dataset and the code -> session map, per
// spec.md §4.4. All map mutations take sm.mu; an entry's connections
// counter is atomic, so the fan-out layer holds the map lock only for the
// lookup and increments/decrements after releasing it, mirroring the teacher's
// SourceControl split between the exclusively-locked control surface and
// lock-free per-connection counters.
type SessionManager struct {
	dataset     Dataset
	noiseConfig NoiseConfig
	maxSessions int
	ttl         time.Duration
	logger      *log.Logger

	mu      sync.Mutex
	entries map[string]*sessionEntry
	order   *list.List // front = least-recently-active, back = most-recent
}

// NewSessionManager builds a manager over the process-lifetime dataset.
func NewSessionManager(dataset Dataset, noiseConfig NoiseConfig, maxSessions int, ttl time.Duration, logger *log.Logger) *SessionManager {
	if logger == nil {
		logger = log.Default()
	}
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &SessionManager{
		dataset:     dataset,
		noiseConfig: noiseConfig,
		maxSessions: maxSessions,
		ttl:         ttl,
		logger:      logger,
		entries:     make(map[string]*sessionEntry),
		order:       list.New(),
	}
}

func randomIndex(n int) int {
	upper := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, upper)
	if err != nil {
		// crypto/rand failure is effectively unrecoverable platform
		// breakage; degrade to a fixed index rather than panicking the
		// session-creation path.
		return 0
	}
	return int(v.Int64())
}

func generateCode() string {
	adj := adjectives[randomIndex(len(adjectives))]
	noun := nouns[randomIndex(len(nouns))]
	n := randomIndex(100)
	return fmt.Sprintf("%s-%s-%d", adj, noun, n)
}

// Create mints a new session, or returns an existing one if code names a
// live session (touching its activity), per spec.md §4.4. An empty code
// draws adj-noun-number combinations until one is free.
func (sm *SessionManager) Create(code string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if code != "" {
		if e, ok := sm.entries[code]; ok {
			sm.touchLocked(e)
			return code, false
		}
	} else {
		for {
			candidate := generateCode()
			if _, exists := sm.entries[candidate]; !exists {
				code = candidate
				break
			}
		}
	}

	if len(sm.entries) >= sm.maxSessions {
		sm.evictLRULocked()
	}

	engine := NewPlaybackEngine(sm.dataset, sm.newNoiseStage(), sm.logger)
	now := time.Now()
	entry := &sessionEntry{
		code:         code,
		engine:       engine,
		createdAt:    now,
		lastActiveAt: now,
	}
	entry.elem = sm.order.PushBack(entry)
	sm.entries[code] = entry
	return code, true
}

func (sm *SessionManager) newNoiseStage() *NoiseStage {
	if !sm.noiseConfig.Enabled && !sm.noiseConfig.DriftEnabled {
		return nil
	}
	return NewNoiseStage(sm.noiseConfig, time.Now().UnixNano())
}

// evictLRULocked removes the least-recently-active entry with zero
// connections. If none qualifies, it does nothing: capacity is a soft
// cap that never disconnects a live client, per spec.md §4.4 and §9's
// explicit redesign of the source's unconditional LRU eviction.
func (sm *SessionManager) evictLRULocked() {
	for el := sm.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*sessionEntry)
		if entry.connections.Load() == 0 {
			sm.removeLocked(entry)
			return
		}
	}
}

func (sm *SessionManager) removeLocked(entry *sessionEntry) {
	entry.engine.Stop()
	sm.order.Remove(entry.elem)
	delete(sm.entries, entry.code)
}

func (sm *SessionManager) touchLocked(entry *sessionEntry) {
	entry.lastActiveAt = time.Now()
	sm.order.MoveToBack(entry.elem)
}

// Get returns the session for code, touching its activity. Returns
// ErrSessionNotFound for an unknown code.
func (sm *SessionManager) Get(code string) (*SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry, ok := sm.entries[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sm.touchLocked(entry)
	return sm.infoLocked(entry), nil
}

// Engine returns the underlying engine for code without exposing it
// through SessionInfo, for the fan-out layer's exclusive use.
func (sm *SessionManager) Engine(code string) (*PlaybackEngine, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry, ok := sm.entries[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sm.touchLocked(entry)
	return entry.engine, nil
}

// Delete removes code's session. Refuses with ErrSessionBusy if it has
// live connections; ErrSessionNotFound if code is unknown.
func (sm *SessionManager) Delete(code string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry, ok := sm.entries[code]
	if !ok {
		return ErrSessionNotFound
	}
	if entry.connections.Load() > 0 {
		return ErrSessionBusy
	}
	sm.removeLocked(entry)
	return nil
}

// IncrementConnections marks a new streaming consumer attached to code.
func (sm *SessionManager) IncrementConnections(code string) {
	sm.mu.Lock()
	entry, ok := sm.entries[code]
	sm.mu.Unlock()
	if !ok {
		return
	}
	entry.connections.Add(1)
}

// DecrementConnections marks a streaming consumer detached from code.
func (sm *SessionManager) DecrementConnections(code string) {
	sm.mu.Lock()
	entry, ok := sm.entries[code]
	sm.mu.Unlock()
	if !ok {
		return
	}
	if entry.connections.Add(-1) < 0 {
		entry.connections.Store(0)
	}
}

// SetFilter installs code's filter predicates on its engine.
func (sm *SessionManager) SetFilter(code string, trialID, targetID *int) error {
	sm.mu.Lock()
	entry, ok := sm.entries[code]
	sm.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	entry.trialFilter = trialID
	entry.targetFilter = targetID
	entry.engine.SetFilter(trialID, targetID)
	return nil
}

// List returns every live session's info, in LRU order (least to most
// recently active).
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.entries))
	for el := sm.order.Front(); el != nil; el = el.Next() {
		out = append(out, *sm.infoLocked(el.Value.(*sessionEntry)))
	}
	return out
}

func (sm *SessionManager) infoLocked(entry *sessionEntry) *SessionInfo {
	return &SessionInfo{
		Code:         entry.code,
		CreatedAt:    entry.createdAt,
		LastActiveAt: entry.lastActiveAt,
		Connections:  entry.connections.Load(),
		TrialFilter:  entry.trialFilter,
		TargetFilter: entry.targetFilter,
		EngineStatus: entry.engine.Status(),
	}
}

// CleanupExpired removes every session idle beyond the manager's TTL with
// zero connections, returning the number removed. Intended to run
// periodically (spec.md's suggested 5 minutes) from a background task
// owned by the process, not by SessionManager itself.
func (sm *SessionManager) CleanupExpired() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := time.Now()
	var removed int
	var next *list.Element
	for el := sm.order.Front(); el != nil; el = next {
		next = el.Next()
		entry := el.Value.(*sessionEntry)
		if entry.connections.Load() != 0 {
			continue
		}
		if now.Sub(entry.lastActiveAt) > sm.ttl {
			sm.removeLocked(entry)
			removed++
		}
	}
	return removed
}

// StopAll stops every engine, for process shutdown.
func (sm *SessionManager) StopAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, entry := range sm.entries {
		entry.engine.Stop()
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.entries)
}
