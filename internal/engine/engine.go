// Package engine orchestrates one analysis run end to end: load the batch,
// detect conflict candidates, reconcile them against persisted conflicts in
// chunks, and report progress and outcome through the broadcaster and the
// audit trail.
package engine

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfsight/upcguard/internal/detect"
	"github.com/shelfsight/upcguard/internal/events"
	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
	"github.com/shelfsight/upcguard/internal/store"
)

const (
	// DefaultChunkSize bounds how many candidates are reconciled between
	// cancellation checks and progress events.
	DefaultChunkSize = 100
	// DefaultMaxRecords caps a single analysis batch.
	DefaultMaxRecords = 500_000
	// annotateTimeout bounds the background annotation pass for one run.
	annotateTimeout = 5 * time.Minute
)

// Annotator produces a human-readable explanation for one conflict. The
// engine treats it as best-effort: annotation failures are logged, never
// surfaced to the caller.
type Annotator interface {
	Explain(ctx context.Context, c model.Conflict) (string, error)
}

// Engine runs analyses. It is safe for concurrent use across distinct
// analysis IDs; callers must not run the same analysis ID concurrently.
type Engine struct {
	store       store.Store
	detector    *detect.Detector
	broadcaster *events.Broadcaster
	annotator   Annotator
	chunkSize   int
	maxRecords  int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnnotator enables the post-run annotation pass.
func WithAnnotator(a Annotator) Option {
	return func(e *Engine) { e.annotator = a }
}

// WithChunkSize overrides the reconciliation chunk size.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithMaxRecords overrides the batch size cap. Zero disables the cap.
func WithMaxRecords(n int) Option {
	return func(e *Engine) { e.maxRecords = n }
}

// New creates an Engine.
func New(st store.Store, det *detect.Detector, bc *events.Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		detector:    det,
		broadcaster: bc,
		chunkSize:   DefaultChunkSize,
		maxRecords:  DefaultMaxRecords,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunAnalysis executes one detection run over the records ingested under
// analysisID. It always returns an outcome; when err is non-nil the outcome
// carries Status FAILED and the counts committed before the failure.
func (e *Engine) RunAnalysis(ctx context.Context, scope model.Scope, analysisID string) (*model.AnalysisOutcome, error) {
	outcome := &model.AnalysisOutcome{AnalysisID: analysisID, Status: model.AnalysisStatusComplete}
	if analysisID == "" {
		return e.fail(scope, outcome, resilience.NewValidation("analysisId", "must not be empty"))
	}

	records, err := e.store.ListRecords(ctx, analysisID)
	if err != nil {
		return e.fail(scope, outcome, resilience.NewDependencyFailure("store", eris.Wrap(err, "engine: load records")))
	}
	if e.maxRecords > 0 && len(records) > e.maxRecords {
		return e.fail(scope, outcome, resilience.NewValidation("records", "batch exceeds the configured maximum"))
	}

	candidates := e.detector.Detect(records)
	zap.L().Info("analysis detected candidates",
		zap.String("analysisId", analysisID),
		zap.Int("records", len(records)),
		zap.Int("candidates", len(candidates)),
	)

	// A started chunk always finishes: cancellation is checked only between
	// chunks, and in-chunk writes run detached from the caller's cancellation
	// so a cancel landing mid-chunk cannot leave it half committed.
	writeCtx := context.WithoutCancel(ctx)

	var created []model.Conflict
	for start := 0; start < len(candidates); start += e.chunkSize {
		if err := ctx.Err(); err != nil {
			return e.fail(scope, outcome, resilience.NewDependencyFailure("context", err))
		}
		end := min(start+e.chunkSize, len(candidates))
		for _, cand := range candidates[start:end] {
			saved, change, err := e.reconcile(writeCtx, scope, analysisID, cand)
			if err != nil {
				return e.fail(scope, outcome, err)
			}
			switch change {
			case changeCreated:
				outcome.Created++
				created = append(created, *saved)
				e.broadcaster.Publish(model.EventConflictNew, scope.OrganizationID, map[string]any{"conflict": saved})
			case changeUpdated:
				outcome.Updated++
			case changeUnchanged:
				outcome.Unchanged++
			}
		}
		e.broadcaster.Publish(model.EventAnalysisProgress, scope.OrganizationID,
			model.ProgressPayload(analysisID, end*100/len(candidates)))
	}

	if err := e.store.AppendAudit(writeCtx, model.AuditEntry{
		OrganizationID: scope.OrganizationID,
		UserID:         scope.UserID,
		Action:         model.AuditActionAnalysisRun,
		ResourceType:   model.ResourceTypeAnalysis,
		ResourceID:     analysisID,
		Details: map[string]any{
			"created":   outcome.Created,
			"updated":   outcome.Updated,
			"unchanged": outcome.Unchanged,
		},
		CreatedAt: e.now(),
	}); err != nil {
		return e.fail(scope, outcome, resilience.NewDependencyFailure("store", eris.Wrap(err, "engine: audit run")))
	}

	e.broadcaster.Publish(model.EventAnalysisComplete, scope.OrganizationID,
		model.CompletePayload(analysisID, outcome.ConflictsFound()))

	if e.annotator != nil && len(created) > 0 {
		go e.annotate(scope, created)
	}
	return outcome, nil
}

type change int

const (
	changeCreated change = iota
	changeUpdated
	changeUnchanged
)

// reconcile lands one candidate: insert when unseen, refresh the group
// metadata and score when known and open, and leave terminal conflicts
// untouched so closed work is never reopened or rescored.
func (e *Engine) reconcile(ctx context.Context, scope model.Scope, analysisID string, cand model.Candidate) (*model.Conflict, change, error) {
	existing, err := e.store.FindConflictByNaturalKey(ctx, scope.OrganizationID, cand.NaturalKey)
	if err != nil {
		return nil, 0, resilience.NewDependencyFailure("store", eris.Wrapf(err, "engine: find %s", cand.NaturalKey))
	}

	if existing == nil {
		saved, err := e.store.UpsertConflict(ctx, &model.Conflict{
			OrganizationID:    scope.OrganizationID,
			AnalysisID:        analysisID,
			Type:              cand.Type,
			NaturalKey:        cand.NaturalKey,
			UPC:               cand.UPC,
			ProductID:         cand.ProductID,
			RelatedProductIDs: cand.RelatedProductIDs,
			RelatedUPCs:       cand.RelatedUPCs,
			Locations:         cand.Locations,
			Warehouses:        cand.Warehouses,
			Severity:          cand.Severity,
			Priority:          cand.Priority,
			CostImpact:        cand.CostImpact,
			Status:            model.StatusNew,
		})
		if err != nil {
			return nil, 0, resilience.NewDependencyFailure("store", eris.Wrapf(err, "engine: insert %s", cand.NaturalKey))
		}
		return saved, changeCreated, nil
	}

	if existing.Status.IsTerminal() {
		return existing, changeUnchanged, nil
	}
	if groupEqual(existing, cand) {
		return existing, changeUnchanged, nil
	}

	refreshed := *existing
	refreshed.AnalysisID = analysisID
	refreshed.RelatedProductIDs = cand.RelatedProductIDs
	refreshed.RelatedUPCs = cand.RelatedUPCs
	refreshed.Locations = cand.Locations
	refreshed.Warehouses = cand.Warehouses
	refreshed.Severity = cand.Severity
	refreshed.Priority = cand.Priority
	refreshed.CostImpact = cand.CostImpact
	saved, err := e.store.UpsertConflict(ctx, &refreshed)
	if err != nil {
		return nil, 0, resilience.NewDependencyFailure("store", eris.Wrapf(err, "engine: refresh %s", cand.NaturalKey))
	}
	return saved, changeUpdated, nil
}

// groupEqual reports whether the persisted conflict already reflects the
// candidate's group and score. Slices are sorted by the detector and by
// NaturalKey construction, so element-wise comparison suffices.
func groupEqual(c *model.Conflict, cand model.Candidate) bool {
	return slices.Equal(c.RelatedProductIDs, cand.RelatedProductIDs) &&
		slices.Equal(c.RelatedUPCs, cand.RelatedUPCs) &&
		slices.Equal(c.Locations, cand.Locations) &&
		slices.Equal(c.Warehouses, cand.Warehouses) &&
		c.Severity == cand.Severity &&
		c.Priority == cand.Priority &&
		c.CostImpact.Equal(cand.CostImpact)
}

func (e *Engine) fail(scope model.Scope, outcome *model.AnalysisOutcome, err error) (*model.AnalysisOutcome, error) {
	outcome.Status = model.AnalysisStatusFailed
	outcome.Error = err.Error()
	e.broadcaster.Publish(model.EventAnalysisFailed, scope.OrganizationID, map[string]any{
		"analysisId": outcome.AnalysisID,
		"error":      err.Error(),
	})
	zap.L().Error("analysis failed",
		zap.String("analysisId", outcome.AnalysisID),
		zap.Int("created", outcome.Created),
		zap.Int("updated", outcome.Updated),
		zap.Error(err),
	)
	return outcome, err
}

// annotate writes best-effort explanations for freshly created conflicts.
// It runs detached from the request context so a returned RunAnalysis does
// not cancel it.
func (e *Engine) annotate(scope model.Scope, conflicts []model.Conflict) {
	ctx, cancel := context.WithTimeout(context.Background(), annotateTimeout)
	defer cancel()

	for _, c := range conflicts {
		explanation, err := e.annotator.Explain(ctx, c)
		if err != nil {
			zap.L().Warn("annotation skipped",
				zap.String("conflictId", c.ID),
				zap.Error(err),
			)
			continue
		}
		if err := e.store.SetConflictExplanation(ctx, scope.OrganizationID, c.ID, explanation); err != nil {
			zap.L().Warn("annotation write failed",
				zap.String("conflictId", c.ID),
				zap.Error(err),
			)
		}
	}
}
