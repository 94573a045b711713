package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
)

// MemoryStore is a Store kept entirely in process memory. It backs unit
// tests and single-shot CLI runs that do not need persistence.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string][]model.Record // analysisID -> rows
	conflicts map[string]*model.Conflict
	byKey     map[string]string // orgID + "\x00" + naturalKey -> conflict ID
	audit     []model.AuditEntry
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string][]model.Record),
		conflicts: make(map[string]*model.Conflict),
		byKey:     make(map[string]string),
	}
}

func keyFor(orgID, naturalKey string) string {
	return orgID + "\x00" + naturalKey
}

func (s *MemoryStore) InsertRecords(ctx context.Context, records []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		s.records[r.AnalysisID] = append(s.records[r.AnalysisID], r)
	}
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, analysisID string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Record, len(s.records[analysisID]))
	copy(out, s.records[analysisID])
	return out, nil
}

func (s *MemoryStore) FindConflictByNaturalKey(ctx context.Context, orgID, naturalKey string) (*model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[keyFor(orgID, naturalKey)]
	if !ok {
		return nil, nil
	}
	c := *s.conflicts[id]
	return &c, nil
}

func (s *MemoryStore) FindConflictByID(ctx context.Context, orgID, conflictID string) (*model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[conflictID]
	if !ok || c.OrganizationID != orgID {
		return nil, resilience.NewNotFound("conflict", conflictID)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConflicts(ctx context.Context, orgID string, filter ConflictFilter) ([]model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Conflict
	for _, c := range s.conflicts {
		if c.OrganizationID != orgID {
			continue
		}
		if filter.AnalysisID != "" && c.AnalysisID != filter.AnalysisID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.AssignedTo != "" && c.AssignedTo != filter.AssignedTo {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertConflict(ctx context.Context, c *model.Conflict) (*model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	k := keyFor(c.OrganizationID, c.NaturalKey)
	if id, ok := s.byKey[k]; ok {
		existing := s.conflicts[id]
		// Terminal rows are immutable to detection refreshes, even when the
		// caller read a non-terminal status moments ago.
		if existing.Status.IsTerminal() {
			cp := *existing
			return &cp, nil
		}
		updated := *c
		updated.ID = existing.ID
		updated.Status = existing.Status
		updated.AssignedTo = existing.AssignedTo
		updated.AssignedAt = existing.AssignedAt
		updated.ResolvedBy = existing.ResolvedBy
		updated.ResolvedAt = existing.ResolvedAt
		updated.Resolution = existing.Resolution
		updated.ResolutionNotes = existing.ResolutionNotes
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		s.conflicts[id] = &updated
		cp := updated
		return &cp, nil
	}

	inserted := *c
	if inserted.ID == "" {
		inserted.ID = uuid.New().String()
	}
	if inserted.Status == "" {
		inserted.Status = model.StatusNew
	}
	inserted.CreatedAt = now
	inserted.UpdatedAt = now
	s.conflicts[inserted.ID] = &inserted
	s.byKey[k] = inserted.ID
	cp := inserted
	return &cp, nil
}

func (s *MemoryStore) UpdateConflictStatus(ctx context.Context, expected model.ConflictStatus, c *model.Conflict) (*model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conflicts[c.ID]
	if !ok || existing.OrganizationID != c.OrganizationID {
		return nil, resilience.NewNotFound("conflict", c.ID)
	}
	if existing.Status != expected {
		return nil, &resilience.ConcurrentModificationError{ConflictID: c.ID}
	}

	updated := *c
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.conflicts[c.ID] = &updated
	cp := updated
	return &cp, nil
}

func (s *MemoryStore) SetConflictExplanation(ctx context.Context, orgID, conflictID, explanation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[conflictID]
	if !ok || c.OrganizationID != orgID {
		return resilience.NewNotFound("conflict", conflictID)
	}
	c.Explanation = explanation
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, orgID, resourceID string) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range s.audit {
		if e.OrganizationID != orgID {
			continue
		}
		if resourceID != "" && e.ResourceID != resourceID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
