// Package health reports on the infrastructure behind the cache: the durable
// store, the sync transport and the offline replay queue. The cache keeps
// serving callers when these fail, so this tracker is where those failures
// surface.
package health

import (
	"context"
	stderr "errors"
	"sort"
	"sync"
	"time"

	"github.com/realtycrm/unicache/pkg/errors"
)

// Tracked components
const (
	ComponentStore   = "store"
	ComponentSync    = "sync"
	ComponentOffline = "offline"
)

// State is a component's health. Higher values are worse.
type State int

const (
	StateHealthy State = iota
	// StateDegraded: repeated failures, the cache is serving from memory
	StateDegraded
	// StateReadOnly: store writes fail while reads still work
	StateReadOnly
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of one component
type Status struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	Since             time.Time `json:"since"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt     time.Time `json:"last_success_at,omitempty"`
}

// Transition describes a state change
type Transition struct {
	Component string
	From, To  State
	Err       error
}

// Config sets the failure streaks that move a component out of healthy
type Config struct {
	// ErrorThreshold consecutive failures make a component degraded, or
	// read-only when the failures are store writes
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`
	// UnavailableThreshold consecutive failures make it unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`
	// CheckInterval paces Run
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig degrades after 3 failures, gives up after 10 and checks
// every 30s
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
	}
}

// Tracker holds the status of each registered component
type Tracker struct {
	config Config

	mu        sync.RWMutex
	status    map[string]*Status
	observers []func(Transition)
}

func NewTracker(config Config) *Tracker {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 1
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Tracker{config: config, status: make(map[string]*Status)}
}

// RegisterComponent starts tracking name as healthy. Reports for components
// that were never registered are ignored.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.status[name]; !ok {
		t.status[name] = &Status{Name: name, State: StateHealthy, Since: t.config.Now()}
	}
}

// OnTransition registers fn to run after every state change. It runs on the
// reporting goroutine with no tracker lock held.
func (t *Tracker) OnTransition(fn func(Transition)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// RecordSuccess ends the component's failure streak and makes it healthy
func (t *Tracker) RecordSuccess(component string) {
	t.record(component, func(s *Status, now time.Time) State {
		s.ConsecutiveErrors = 0
		s.LastError = ""
		s.LastSuccessAt = now
		return StateHealthy
	}, nil)
}

// RecordError extends the component's failure streak
func (t *Tracker) RecordError(component string, err error) {
	t.record(component, func(s *Status, now time.Time) State {
		s.ConsecutiveErrors++
		s.LastErrorAt = now
		if err != nil {
			s.LastError = err.Error()
		}
		switch {
		case s.ConsecutiveErrors >= t.config.UnavailableThreshold:
			return StateUnavailable
		case s.ConsecutiveErrors >= t.config.ErrorThreshold && isWriteError(err):
			return StateReadOnly
		case s.ConsecutiveErrors >= t.config.ErrorThreshold:
			return StateDegraded
		default:
			return s.State
		}
	}, err)
}

func (t *Tracker) record(component string, update func(*Status, time.Time) State, err error) {
	t.mu.Lock()
	s, ok := t.status[component]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := t.config.Now()
	from := s.State
	to := update(s, now)
	if to == from {
		t.mu.Unlock()
		return
	}
	s.State = to
	s.Since = now
	observers := append(([]func(Transition))(nil), t.observers...)
	t.mu.Unlock()

	change := Transition{Component: component, From: from, To: to, Err: err}
	for _, fn := range observers {
		fn(change)
	}
}

// State returns the component's state. Unregistered components read as
// unavailable.
func (t *Tracker) State(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.status[component]; ok {
		return s.State
	}
	return StateUnavailable
}

// Snapshot copies the status of every component
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.status))
	for name, s := range t.status {
		out[name] = *s
	}
	return out
}

// Components returns the registered names, sorted
func (t *Tracker) Components() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.status))
	for name := range t.status {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Overall is the worst state of any component, healthy when none are
// registered
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := StateHealthy
	for _, s := range t.status {
		if s.State > worst {
			worst = s.State
		}
	}
	return worst
}

// Run calls check for every component each CheckInterval until ctx is done
func (t *Tracker) Run(ctx context.Context, check func(ctx context.Context, component string) error) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, component := range t.Components() {
				if err := check(ctx, component); err != nil {
					t.RecordError(component, err)
				} else {
					t.RecordSuccess(component)
				}
			}
		}
	}
}

// storeWrites are the persistence operations that mutate the database
var storeWrites = map[string]bool{
	"set":             true,
	"delete":          true,
	"delete_many":     true,
	"clear":           true,
	"sweep_expired":   true,
	"enqueue_offline": true,
	"update_offline":  true,
	"remove_offline":  true,
}

// isWriteError reports whether err is a failed store write, which leaves the
// store readable
func isWriteError(err error) bool {
	var cacheErr *errors.CacheError
	if !stderr.As(err, &cacheErr) || cacheErr.Code != errors.ErrCodePersistence {
		return false
	}
	return storeWrites[cacheErr.Operation]
}
