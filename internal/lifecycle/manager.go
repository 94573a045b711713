// Package lifecycle enforces the conflict state machine. The manager trusts
// its caller's identity (authorization happens upstream); it guarantees that
// every committed transition is legal, audited exactly once, and broadcast
// exactly once.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfsight/upcguard/internal/events"
	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
	"github.com/shelfsight/upcguard/internal/store"
)

// allowedTransitions is the full edge set of the state machine. RESOLVED and
// REJECTED are terminal: no edge leaves them.
var allowedTransitions = map[model.ConflictStatus][]model.ConflictStatus{
	model.StatusNew:        {model.StatusAssigned, model.StatusInProgress, model.StatusRejected},
	model.StatusAssigned:   {model.StatusAssigned, model.StatusInProgress, model.StatusResolved, model.StatusRejected},
	model.StatusInProgress: {model.StatusResolved, model.StatusRejected},
}

func canTransition(from, to model.ConflictStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager applies lifecycle transitions through the store's compare-and-swap
// write, so two racing operations on one conflict produce one winner and one
// ConcurrentModificationError.
type Manager struct {
	store       store.Store
	broadcaster *events.Broadcaster
	now         func() time.Time
}

// New creates a Manager.
func New(st store.Store, bc *events.Broadcaster) *Manager {
	return &Manager{store: st, broadcaster: bc, now: func() time.Time { return time.Now().UTC() }}
}

// Assign moves a conflict to ASSIGNED and records the assignee. Re-assigning
// to the current assignee is a no-op on the conflict but is still audited.
func (m *Manager) Assign(ctx context.Context, scope model.Scope, conflictID, assigneeID string) (*model.Conflict, error) {
	if assigneeID == "" {
		return nil, resilience.NewValidation("assigneeId", "must not be empty")
	}

	c, err := m.store.FindConflictByID(ctx, scope.OrganizationID, conflictID)
	if err != nil {
		return nil, err
	}
	if !canTransition(c.Status, model.StatusAssigned) {
		return nil, &resilience.InvalidTransitionError{ConflictID: conflictID, From: string(c.Status), To: string(model.StatusAssigned)}
	}

	if c.Status == model.StatusAssigned && c.AssignedTo == assigneeID {
		// Idempotent re-assignment: state untouched, action still audited.
		if err := m.audit(ctx, scope, model.AuditActionConflictAssigned, conflictID, map[string]any{
			"assignedTo": assigneeID, "noop": true,
		}); err != nil {
			return nil, err
		}
		m.broadcaster.Publish(model.EventConflictAssigned, scope.OrganizationID, map[string]any{
			"conflictId": conflictID, "assignedTo": assigneeID,
		})
		return c, nil
	}

	now := m.now()
	updated := *c
	updated.Status = model.StatusAssigned
	updated.AssignedTo = assigneeID
	updated.AssignedAt = &now

	committed, err := m.store.UpdateConflictStatus(ctx, c.Status, &updated)
	if err != nil {
		return nil, err
	}
	if err := m.audit(ctx, scope, model.AuditActionConflictAssigned, conflictID, map[string]any{
		"assignedTo": assigneeID, "from": string(c.Status),
	}); err != nil {
		return nil, err
	}
	m.broadcaster.Publish(model.EventConflictAssigned, scope.OrganizationID, map[string]any{
		"conflictId": conflictID, "assignedTo": assigneeID,
	})

	zap.L().Info("lifecycle: conflict assigned",
		zap.String("conflict_id", conflictID),
		zap.String("assigned_to", assigneeID),
		zap.String("org_id", scope.OrganizationID),
	)
	return committed, nil
}

// BulkAssignResult reports per-conflict outcomes of a bulk assignment.
// Failures never abort the remaining IDs.
type BulkAssignResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"` // conflictID -> reason
}

// BulkAssign applies Assign to each ID independently. The call itself never
// fails on a per-conflict error; each outcome is reported in the result.
func (m *Manager) BulkAssign(ctx context.Context, scope model.Scope, conflictIDs []string, assigneeID string) (*BulkAssignResult, error) {
	if assigneeID == "" {
		return nil, resilience.NewValidation("assigneeId", "must not be empty")
	}

	result := &BulkAssignResult{Failed: make(map[string]string)}
	results := make([]error, len(conflictIDs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range conflictIDs {
		g.Go(func() error {
			_, err := m.Assign(gCtx, scope, id, assigneeID)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range conflictIDs {
		if results[i] != nil {
			result.Failed[id] = results[i].Error()
		} else {
			result.Succeeded = append(result.Succeeded, id)
		}
	}
	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result, nil
}

// StartWork moves a conflict to IN_PROGRESS. Self-assignment with immediate
// work start (NEW -> IN_PROGRESS) is allowed.
func (m *Manager) StartWork(ctx context.Context, scope model.Scope, conflictID string) (*model.Conflict, error) {
	c, err := m.store.FindConflictByID(ctx, scope.OrganizationID, conflictID)
	if err != nil {
		return nil, err
	}
	if !canTransition(c.Status, model.StatusInProgress) {
		return nil, &resilience.InvalidTransitionError{ConflictID: conflictID, From: string(c.Status), To: string(model.StatusInProgress)}
	}

	now := m.now()
	updated := *c
	updated.Status = model.StatusInProgress
	if updated.AssignedTo == "" {
		updated.AssignedTo = scope.UserID
		updated.AssignedAt = &now
	}

	committed, err := m.store.UpdateConflictStatus(ctx, c.Status, &updated)
	if err != nil {
		return nil, err
	}
	if err := m.audit(ctx, scope, model.AuditActionWorkStarted, conflictID, map[string]any{
		"from": string(c.Status),
	}); err != nil {
		return nil, err
	}
	m.broadcaster.Publish(model.EventConflictAssigned, scope.OrganizationID, map[string]any{
		"conflictId": conflictID, "assignedTo": committed.AssignedTo, "status": string(model.StatusInProgress),
	})
	return committed, nil
}

// Resolve settles a conflict. Requires ASSIGNED or IN_PROGRESS.
func (m *Manager) Resolve(ctx context.Context, scope model.Scope, conflictID string, resolution model.Resolution, notes string) (*model.Conflict, error) {
	if !model.ValidResolution(resolution) {
		return nil, resilience.NewValidation("resolution", "unknown resolution kind")
	}

	c, err := m.store.FindConflictByID(ctx, scope.OrganizationID, conflictID)
	if err != nil {
		return nil, err
	}
	// NEW conflicts cannot be resolved directly; work must be assigned or
	// started first.
	if c.Status != model.StatusAssigned && c.Status != model.StatusInProgress {
		return nil, &resilience.InvalidTransitionError{ConflictID: conflictID, From: string(c.Status), To: string(model.StatusResolved)}
	}

	now := m.now()
	updated := *c
	updated.Status = model.StatusResolved
	updated.ResolvedBy = scope.UserID
	updated.ResolvedAt = &now
	updated.Resolution = resolution
	updated.ResolutionNotes = notes

	committed, err := m.store.UpdateConflictStatus(ctx, c.Status, &updated)
	if err != nil {
		return nil, err
	}
	if err := m.audit(ctx, scope, model.AuditActionConflictResolved, conflictID, map[string]any{
		"resolution": string(resolution), "notes": notes,
	}); err != nil {
		return nil, err
	}
	m.broadcaster.Publish(model.EventConflictResolved, scope.OrganizationID, map[string]any{
		"conflictId": conflictID, "resolvedAt": now,
	})

	zap.L().Info("lifecycle: conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("resolution", string(resolution)),
		zap.String("resolved_by", scope.UserID),
	)
	return committed, nil
}

// Reject closes a conflict without fixing it. Allowed from NEW, ASSIGNED
// and IN_PROGRESS.
func (m *Manager) Reject(ctx context.Context, scope model.Scope, conflictID, notes string) (*model.Conflict, error) {
	c, err := m.store.FindConflictByID(ctx, scope.OrganizationID, conflictID)
	if err != nil {
		return nil, err
	}
	if !canTransition(c.Status, model.StatusRejected) {
		return nil, &resilience.InvalidTransitionError{ConflictID: conflictID, From: string(c.Status), To: string(model.StatusRejected)}
	}

	now := m.now()
	updated := *c
	updated.Status = model.StatusRejected
	updated.ResolvedBy = scope.UserID
	updated.ResolvedAt = &now
	updated.ResolutionNotes = notes

	committed, err := m.store.UpdateConflictStatus(ctx, c.Status, &updated)
	if err != nil {
		return nil, err
	}
	if err := m.audit(ctx, scope, model.AuditActionConflictRejected, conflictID, map[string]any{
		"notes": notes, "from": string(c.Status),
	}); err != nil {
		return nil, err
	}
	m.broadcaster.Publish(model.EventConflictRejected, scope.OrganizationID, map[string]any{
		"conflictId": conflictID,
	})
	return committed, nil
}

func (m *Manager) audit(ctx context.Context, scope model.Scope, action, conflictID string, details map[string]any) error {
	entry := model.AuditEntry{
		OrganizationID: scope.OrganizationID,
		UserID:         scope.UserID,
		Action:         action,
		ResourceType:   model.ResourceTypeConflict,
		ResourceID:     conflictID,
		Details:        details,
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		return resilience.NewDependencyFailure("audit append", err)
	}
	return nil
}
