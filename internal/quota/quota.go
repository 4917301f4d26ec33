// Package quota tracks per-API-key daily and lifetime token usage against a
// plan limit, backed by a JSON file as the durable source of truth.
package quota

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	gateway "github.com/driftgate/gateway/internal"
)

// CheckResult is the outcome of CheckDaily.
type CheckResult struct {
	OK    bool
	Limit int64
	Used  int64
}

// Store holds every user keyed by raw API key and persists to a JSON file.
// All mutation goes through the single mutex: writes for the same api_key
// (and across keys) are serialized, matching the persistence guarantee the
// file format requires.
type Store struct {
	mu    sync.Mutex
	users map[string]*gateway.User
	path  string
}

// New returns an empty Store. Call Load to populate it from disk.
func New() *Store {
	return &Store{users: make(map[string]*gateway.User)}
}

// Resolve looks up a user by raw API key. O(1).
func (s *Store) Resolve(apiKey string) *gateway.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[apiKey]
}

// Put inserts or replaces a user record (used by admin key management).
func (s *Store) Put(apiKey string, u *gateway.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[apiKey] = u
}

// Delete removes a user record.
func (s *Store) Delete(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, apiKey)
}

// Empty reports whether the store holds no users at all, signaling
// bootstrap mode to the auth gate.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users) == 0
}

// Snapshot returns a shallow copy of all users, keyed by API key. For admin
// listing only; callers must not mutate the returned users.
func (s *Store) Snapshot() map[string]*gateway.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*gateway.User, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

// CheckDaily evaluates whether u may spend more tokens today. An
// "unlimited" plan always passes. A plan that fails to parse is treated as
// a zero daily limit (fail closed).
func (s *Store) CheckDaily(u *gateway.User) CheckResult {
	if u.Plan == "unlimited" {
		return CheckResult{OK: true}
	}
	limit, err := ParsePlanLimit(u.Plan)
	used := u.DailyTokensUsed
	if isNewDay(u.LastUsageTimestamp) {
		used = 0
	}
	if err != nil {
		return CheckResult{OK: false, Limit: 0, Used: used}
	}
	if limit > 0 && used >= limit {
		return CheckResult{OK: false, Limit: limit, Used: used}
	}
	return CheckResult{OK: true, Limit: limit, Used: used}
}

// RecordUsage applies tokens*multiplier (rounded up) to u's daily and
// lifetime counters and persists the store. Failures to persist are
// returned to the caller to log; the in-memory counters are retained
// regardless (fail-open -- quota is advisory, not a billing ledger).
func (s *Store) RecordUsage(apiKey string, tokens int64, multiplier float64) error {
	if multiplier <= 0 {
		multiplier = 1.0
	}
	adjusted := int64(math.Ceil(float64(tokens) * multiplier))

	s.mu.Lock()
	u, ok := s.users[apiKey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("quota: unknown api key")
	}
	now := time.Now()
	if isNewDay(u.LastUsageTimestamp) {
		u.DailyTokensUsed = adjusted
	} else {
		u.DailyTokensUsed += adjusted
	}
	u.TotalTokens += adjusted
	u.LastUsageTimestamp = now.Unix()
	u.LastUpdatedTimestamp = now.Unix()
	path := s.path
	snapshot := s.cloneLocked()
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	return writeUsersFile(path, snapshot)
}

func (s *Store) cloneLocked() map[string]*gateway.User {
	out := make(map[string]*gateway.User, len(s.users))
	for k, v := range s.users {
		cp := *v
		out[k] = &cp
	}
	return out
}

// isNewDay reports whether ts (unix seconds) falls on an earlier UTC
// calendar day than now. A zero or missing timestamp is always a new day.
func isNewDay(ts int64) bool {
	if ts == 0 {
		return true
	}
	then := time.Unix(ts, 0).UTC()
	now := time.Now().UTC()
	ty, tm, td := then.Date()
	ny, nm, nd := now.Date()
	return ty != ny || tm != nm || td != nd
}

// ParsePlanLimit parses a plan string of the form "<number>[k|m|b]" or
// "unlimited" into an integer daily token limit. "0" and "" both mean no
// quota granted.
func ParsePlanLimit(plan string) (int64, error) {
	plan = strings.ToLower(strings.TrimSpace(plan))
	if plan == "" || plan == "0" {
		return 0, nil
	}
	if plan == "unlimited" {
		return math.MaxInt64, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(plan, "k"):
		mult, plan = 1_000, strings.TrimSuffix(plan, "k")
	case strings.HasSuffix(plan, "m"):
		mult, plan = 1_000_000, strings.TrimSuffix(plan, "m")
	case strings.HasSuffix(plan, "b"):
		mult, plan = 1_000_000_000, strings.TrimSuffix(plan, "b")
	}
	n, err := strconv.ParseFloat(plan, 64)
	if err != nil {
		return 0, fmt.Errorf("quota: invalid plan %q: %w", plan, err)
	}
	return int64(n * float64(mult)), nil
}
