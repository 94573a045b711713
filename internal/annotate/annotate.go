// Package annotate generates short operator-facing explanations for
// detected conflicts using the Anthropic API. Annotation is an optional
// enrichment pass; nothing in detection or lifecycle depends on it.
package annotate

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/shelfsight/upcguard/internal/model"
)

const systemPrompt = "You are an inventory data-quality assistant. Explain " +
	"detected UPC conflicts to warehouse operators in two or three plain " +
	"sentences. Describe the likely cause and the first thing to check. " +
	"Never invent product details that are not in the conflict data."

// messageCreator is the slice of the SDK messages service we call. Tests
// substitute a fake.
type messageCreator interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Claude explains conflicts via the Anthropic Messages API. Requests are
// paced by a client-side rate limiter.
type Claude struct {
	messages  messageCreator
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

// NewClaude creates an annotator. requestsPerSec bounds the call rate; zero
// or negative disables pacing.
func NewClaude(apiKey, model string, maxTokens int64, requestsPerSec float64) *Claude {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	limit := rate.Inf
	if requestsPerSec > 0 {
		limit = rate.Limit(requestsPerSec)
	}
	return &Claude{
		messages:  &client.Messages,
		model:     model,
		maxTokens: maxTokens,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Explain returns a short explanation for one conflict.
func (c *Claude) Explain(ctx context.Context, conflict model.Conflict) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "annotate: rate limit wait")
	}

	msg, err := c.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(BuildPrompt(conflict))),
		},
	})
	if err != nil {
		return "", eris.Wrapf(err, "annotate: explain %s", conflict.ID)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", eris.Errorf("annotate: empty response for %s", conflict.ID)
}

// BuildPrompt renders the conflict facts the model is allowed to use.
func BuildPrompt(c model.Conflict) string {
	var b strings.Builder
	switch c.Type {
	case model.ConflictTypeDuplicateUPC:
		fmt.Fprintf(&b, "UPC %s is assigned to %d different products: %s.\n",
			c.UPC, len(c.RelatedProductIDs), strings.Join(c.RelatedProductIDs, ", "))
	case model.ConflictTypeMultiUPCProduct:
		fmt.Fprintf(&b, "Product %s carries %d different UPCs: %s.\n",
			c.ProductID, len(c.RelatedUPCs), strings.Join(c.RelatedUPCs, ", "))
	default:
		fmt.Fprintf(&b, "Conflict %s of type %s.\n", c.NaturalKey, c.Type)
	}
	if len(c.Warehouses) > 0 {
		fmt.Fprintf(&b, "Seen in warehouses: %s.\n", strings.Join(c.Warehouses, ", "))
	}
	if len(c.Locations) > 0 {
		fmt.Fprintf(&b, "Seen at locations: %s.\n", strings.Join(c.Locations, ", "))
	}
	fmt.Fprintf(&b, "Severity: %s. Estimated cost impact: $%s.\n", c.Severity, c.CostImpact.StringFixed(2))
	b.WriteString("Explain this conflict to a warehouse operator.")
	return b.String()
}
