// Package memory provides in-process stores with the same semantics as the
// Postgres repositories. They back the service unit tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository"
)

// Store implements every repository contract in memory
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*model.MFAProfile
	events   []*model.SecurityEvent
	audits   []*model.AuditLog
	now      func() time.Time
}

// New creates an empty Store
func New() *Store {
	return &Store{
		profiles: make(map[string]*model.MFAProfile),
		now:      time.Now,
	}
}

var (
	_ repository.ProfileStore       = (*Store)(nil)
	_ repository.SecurityEventStore = (*Store)(nil)
	_ repository.AuditStore         = (*Store)(nil)
)

func (s *Store) GetProfile(_ context.Context, principalID string) (*model.MFAProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[principalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) CreateProfile(_ context.Context, profile *model.MFAProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.PrincipalID]; ok {
		return repository.ErrDuplicate
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = s.now().UTC()
	}
	profile.UpdatedAt = profile.CreatedAt
	if profile.Version == 0 {
		profile.Version = 1
	}
	s.profiles[profile.PrincipalID] = profile.Clone()
	return nil
}

func (s *Store) UpdateProfile(_ context.Context, profile *model.MFAProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.profiles[profile.PrincipalID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != profile.Version {
		return repository.ErrConflict
	}
	profile.Version++
	profile.UpdatedAt = s.now().UTC()
	profile.CreatedAt = current.CreatedAt
	s.profiles[profile.PrincipalID] = profile.Clone()
	return nil
}

func (s *Store) CreateSecurityEvent(_ context.Context, event *model.SecurityEvent) error {
	c := *event
	if event.Details != nil {
		// round-trip through JSON so stored details match what Postgres returns
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode security event details: %w", err)
		}
		c.Details = nil
		if err := json.Unmarshal(b, &c.Details); err != nil {
			return fmt.Errorf("failed to decode security event details: %w", err)
		}
	}
	s.mu.Lock()
	s.events = append(s.events, &c)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListSecurityEvents(_ context.Context, filter model.EventFilter) ([]*model.SecurityEvent, error) {
	matched := s.matchEvents(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	matched = paginate(matched, filter.Limit, filter.Offset)

	out := make([]*model.SecurityEvent, len(matched))
	for i, e := range matched {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (s *Store) CountSecurityEvents(_ context.Context, filter model.EventFilter) (int, error) {
	return len(s.matchEvents(filter)), nil
}

func (s *Store) CountSecurityEventsBy(_ context.Context, filter model.EventFilter, field repository.GroupField) (map[string]int, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: group by %q", repository.ErrInvalidInput, field)
	}
	counts := make(map[string]int)
	for _, e := range s.matchEvents(filter) {
		var key string
		switch field {
		case repository.GroupByEventType:
			key = e.EventType
		case repository.GroupBySeverity:
			key = string(e.Severity)
		case repository.GroupByCategory:
			key = string(e.Category)
		case repository.GroupByPrincipal:
			key = e.Principal()
		}
		counts[key]++
	}
	return counts, nil
}

func (s *Store) CreateAuditLog(_ context.Context, log *model.AuditLog) error {
	c := *log
	s.mu.Lock()
	s.audits = append(s.audits, &c)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, filter model.AuditFilter) ([]*model.AuditLog, error) {
	s.mu.RLock()
	var matched []*model.AuditLog
	for _, a := range s.audits {
		if filter.Matches(a) {
			c := *a
			matched = append(matched, &c)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), nil
}

func (s *Store) matchEvents(filter model.EventFilter) []*model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*model.SecurityEvent
	for _, e := range s.events {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	return matched
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
