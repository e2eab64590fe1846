// Package telemetry estimates token usage and cost for LM calls and records
// LlmCall rows, adapting the teacher's char-count heuristic since the CLI
// agents this engine shells out to don't all report usage the same way.
package telemetry

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

// Pricing is per-million-token USD pricing for a model tier.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var tokenCountPattern = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)

// EstimateTokens returns input/output token counts for a call, preferring
// an explicit "Tokens: N input, M output" marker in the response and
// falling back to a 4-chars-per-token estimate over prompt and response.
func EstimateTokens(prompt, response string) (inputTokens, outputTokens int) {
	if m := tokenCountPattern.FindStringSubmatch(response); len(m) == 3 {
		inputTokens = atoiOr(m[1], 0)
		outputTokens = atoiOr(m[2], 0)
		return
	}
	return estimateChars(prompt), estimateChars(response)
}

func estimateChars(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// Cost returns the USD cost of a call given token counts and pricing.
func Cost(inputTokens, outputTokens int, pricing Pricing) float64 {
	return (float64(inputTokens)/1_000_000)*pricing.InputPerMillion +
		(float64(outputTokens)/1_000_000)*pricing.OutputPerMillion
}

func atoiOr(s string, def int) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// Recorder persists LlmCall rows and derives their telemetry figures.
type Recorder struct {
	store   *store.Store
	pricing Pricing
}

func NewRecorder(s *store.Store, pricing Pricing) *Recorder {
	return &Recorder{store: s, pricing: pricing}
}

// Record persists call and back-fills its token/cost/duration telemetry in
// the same transaction.
func (r *Recorder) Record(ctx context.Context, call planmodel.LlmCall, duration time.Duration) error {
	inputTokens, outputTokens := EstimateTokens(call.PromptText, call.ResponseText)
	call.InputTokens = inputTokens
	call.OutputTokens = outputTokens
	call.CostUSD = Cost(inputTokens, outputTokens, r.pricing)
	call.DurationMS = duration.Milliseconds()

	return r.store.Tx(ctx, func(tx *sql.Tx) error {
		return r.store.InsertLlmCall(ctx, tx, call)
	})
}
