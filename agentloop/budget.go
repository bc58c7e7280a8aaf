package agentloop

import (
	"sync"

	"github.com/martinemde/codeagent/unifiedllm"
)

// Budget accumulates model spend priced through the model catalog.
type Budget struct {
	limitUSD float64
	model    string

	mu       sync.Mutex
	spent    float64
	unpriced int
}

// NewBudget returns a budget capped at limitUSD; zero or less means no cap.
// model prices responses that do not name their own model.
func NewBudget(limitUSD float64, model string) *Budget {
	return &Budget{limitUSD: limitUSD, model: model}
}

// Add prices usage and returns the cost added. Usage for models without a
// catalog price costs nothing and is counted as unpriced.
func (b *Budget) Add(model string, usage unifiedllm.Usage) float64 {
	if model == "" {
		model = b.model
	}
	cost, ok := unifiedllm.EstimateCost(model, usage)
	if !ok {
		cost, ok = unifiedllm.EstimateCost(b.model, usage)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ok {
		b.unpriced++
		return 0
	}
	b.spent += cost
	return cost
}

// Spent returns the accumulated cost in USD.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Unpriced returns how many calls could not be priced.
func (b *Budget) Unpriced() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unpriced
}

// Limit returns the cap in USD; zero means none.
func (b *Budget) Limit() float64 { return b.limitUSD }

// Exceeded reports whether spend is over the cap.
func (b *Budget) Exceeded() bool {
	if b.limitUSD <= 0 {
		return false
	}
	return b.Spent() > b.limitUSD
}
