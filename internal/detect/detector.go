// Package detect implements the pure conflict-detection pass: it turns a
// batch of ingested records into a deduplicated set of conflict candidates.
// It performs no I/O and never fails; malformed records are filtered out.
package detect

import (
	"errors"
	"sort"
	"strings"

	"github.com/shelfsight/upcguard/internal/model"
)

var (
	errNoBands        = errors.New("detect: scoring requires at least one band")
	errBandOrder      = errors.New("detect: bands must be ascending by group size")
	errBandSeverity   = errors.New("detect: unknown severity in band")
	errBandMonotonic  = errors.New("detect: band severities must not decrease")
	errNegativeImpact = errors.New("detect: unit impact must be non-negative")
)

// Detector groups records by UPC and by product and scores the resulting
// conflict candidates. A Detector is immutable and safe for concurrent use.
type Detector struct {
	scoring Scoring
}

// New creates a Detector with the given scoring policy.
func New(scoring Scoring) (*Detector, error) {
	if err := scoring.Validate(); err != nil {
		return nil, err
	}
	return &Detector{scoring: scoring}, nil
}

// group accumulates the distinct counterpart IDs and provenance for one
// anchor entity.
type group struct {
	members    map[string]struct{}
	locations  map[string]struct{}
	warehouses map[string]struct{}
}

func newGroup() *group {
	return &group{
		members:    make(map[string]struct{}),
		locations:  make(map[string]struct{}),
		warehouses: make(map[string]struct{}),
	}
}

func (g *group) observe(member string, rec model.Record) {
	g.members[member] = struct{}{}
	if rec.Location != "" {
		g.locations[rec.Location] = struct{}{}
	}
	if rec.WarehouseID != "" {
		g.warehouses[rec.WarehouseID] = struct{}{}
	}
}

// Detect runs both grouping passes over the batch and returns one candidate
// per conflicting anchor entity. The result is deterministic: identical
// record sets yield identical candidates regardless of input order, and no
// two candidates share a natural key.
func (d *Detector) Detect(records []model.Record) []model.Candidate {
	byUPC := make(map[string]*group)
	byProduct := make(map[string]*group)

	for _, rec := range records {
		upc := strings.TrimSpace(rec.UPC)
		product := strings.TrimSpace(rec.ProductID)
		// Records missing either identifier cannot participate in a conflict.
		if upc == "" || product == "" {
			continue
		}
		g, ok := byUPC[upc]
		if !ok {
			g = newGroup()
			byUPC[upc] = g
		}
		g.observe(product, rec)

		g, ok = byProduct[product]
		if !ok {
			g = newGroup()
			byProduct[product] = g
		}
		g.observe(upc, rec)
	}

	var candidates []model.Candidate
	for upc, g := range byUPC {
		if len(g.members) < 2 {
			continue
		}
		products := sortedKeys(g.members)
		sev, pri, impact := d.scoring.Score(len(products))
		candidates = append(candidates, model.Candidate{
			Type:              model.ConflictTypeDuplicateUPC,
			NaturalKey:        model.NaturalKey(model.ConflictTypeDuplicateUPC, []string{upc}),
			UPC:               upc,
			RelatedProductIDs: products,
			RelatedUPCs:       []string{upc},
			Locations:         sortedKeys(g.locations),
			Warehouses:        sortedKeys(g.warehouses),
			Severity:          sev,
			Priority:          pri,
			CostImpact:        impact,
		})
	}
	for product, g := range byProduct {
		if len(g.members) < 2 {
			continue
		}
		upcs := sortedKeys(g.members)
		sev, pri, impact := d.scoring.Score(len(upcs))
		candidates = append(candidates, model.Candidate{
			Type:              model.ConflictTypeMultiUPCProduct,
			NaturalKey:        model.NaturalKey(model.ConflictTypeMultiUPCProduct, []string{product}),
			ProductID:         product,
			RelatedProductIDs: []string{product},
			RelatedUPCs:       upcs,
			Locations:         sortedKeys(g.locations),
			Warehouses:        sortedKeys(g.warehouses),
			Severity:          sev,
			Priority:          pri,
			CostImpact:        impact,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NaturalKey < candidates[j].NaturalKey
	})
	return candidates
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
