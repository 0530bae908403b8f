// Package usage provides the cost ledger: per-call usage records, price
// table evaluation, and observer notification.
package usage

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/ensemble/internal/models"
	pkgmodels "github.com/haasonsaas/ensemble/pkg/models"
)

// PriceSource resolves a model id (or alias) to its catalog entry.
// *models.Catalog satisfies it.
type PriceSource interface {
	Get(id string) (*models.Model, bool)
}

// Observer receives each record as it is added.
type Observer func(pkgmodels.UsageRecord)

// ModelUsage aggregates ledger entries for one model.
type ModelUsage struct {
	Calls        int     `json:"calls"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// Tracker is the usage ledger. Records are immutable once added; cost is
// computed from the model price table unless the adapter supplied it.
// Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	records    []pkgmodels.UsageRecord
	perModel   map[string]*ModelUsage
	cumulative map[string]int64 // input+output tokens per model, drives tiered prices
	observers  map[int]Observer
	nextObsID  int

	prices PriceSource
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a ledger that prices records against the given source.
// A nil logger falls back to slog.Default.
func NewTracker(prices PriceSource, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		perModel:   make(map[string]*ModelUsage),
		cumulative: make(map[string]int64),
		observers:  make(map[int]Observer),
		prices:     prices,
		logger:     logger,
		now:        time.Now,
	}
}

// AddUsage completes the partial record (timestamp, cost) and appends it to
// the ledger. A non-zero Cost on the partial passes through untouched;
// otherwise cost is derived from the model's price table using the tokens on
// the record. Observers are notified before return; an observer panic is
// logged and swallowed.
func (t *Tracker) AddUsage(partial pkgmodels.UsageRecord) pkgmodels.UsageRecord {
	t.mu.Lock()

	record := partial
	if record.Timestamp.IsZero() {
		record.Timestamp = t.now()
	}
	if record.Cost == 0 {
		record.Cost = t.computeCostLocked(&record)
	}

	t.records = append(t.records, record)
	t.cumulative[record.Model] += int64(record.InputTokens + record.OutputTokens)

	agg := t.perModel[record.Model]
	if agg == nil {
		agg = &ModelUsage{}
		t.perModel[record.Model] = agg
	}
	agg.Calls++
	agg.Cost += record.Cost
	agg.InputTokens += int64(record.InputTokens)
	agg.OutputTokens += int64(record.OutputTokens)

	observers := make([]Observer, 0, len(t.observers))
	for _, obs := range t.observers {
		observers = append(observers, obs)
	}
	t.mu.Unlock()

	for _, obs := range observers {
		t.notify(obs, record)
	}
	return record
}

// AddEstimatedUsage records usage estimated from raw text at four characters
// per token. The record is tagged estimated in its metadata.
func (t *Tracker) AddEstimatedUsage(model, inputText, outputText string, meta map[string]any) pkgmodels.UsageRecord {
	metadata := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		metadata[k] = v
	}
	metadata[pkgmodels.UsageMetaEstimated] = true

	return t.AddUsage(pkgmodels.UsageRecord{
		Model:        model,
		InputTokens:  estimateTokens(inputText),
		OutputTokens: estimateTokens(outputText),
		Metadata:     metadata,
	})
}

// estimateTokens approximates tokens as ceil(len/4).
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func (t *Tracker) notify(obs Observer, record pkgmodels.UsageRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("usage observer panicked", "panic", r, "model", record.Model)
		}
	}()
	obs(record)
}

// computeCostLocked prices a record. Caller holds the lock.
func (t *Tracker) computeCostLocked(record *pkgmodels.UsageRecord) float64 {
	if t.prices == nil {
		return 0
	}
	model, ok := t.prices.Get(record.Model)
	if !ok || model.Cost.Zero() {
		return 0
	}

	in, out, cached := resolveRates(model.Cost, t.cumulative[record.Model], record.Timestamp)

	billableInput := record.InputTokens - record.CachedTokens
	if billableInput < 0 {
		billableInput = 0
	}
	cachedRate := cached
	if cachedRate == 0 {
		// No discount rate published: cached tokens bill as plain input.
		cachedRate = in
	}

	cost := float64(billableInput)*in/1e6 +
		float64(record.CachedTokens)*cachedRate/1e6 +
		float64(record.OutputTokens)*out/1e6 +
		float64(record.ImageCount)*model.Cost.PerImage
	if cost < 0 {
		cost = 0
	}
	return cost
}

// resolveRates picks the effective per-million rates: a wall-clock window
// covering the timestamp wins, then the tier bucket for the cumulative token
// count, then the flat rates.
func resolveRates(cost models.Cost, cumulativeTokens int64, ts time.Time) (in, out, cached float64) {
	for _, w := range cost.Windows {
		if windowCovers(w, ts) {
			return w.InputPerMillion, w.OutputPerMillion, w.CachedInputPerMillion
		}
	}
	for _, tier := range cost.Tiers {
		if tier.UpToTokens == 0 || cumulativeTokens <= tier.UpToTokens {
			return tier.InputPerMillion, tier.OutputPerMillion, tier.CachedInputPerMillion
		}
	}
	return cost.InputPerMillion, cost.OutputPerMillion, cost.CachedInputPerMillion
}

// windowCovers checks whether the UTC time of day falls inside the window.
// Windows may wrap midnight ("16:30" to "00:30").
func windowCovers(w models.PriceWindow, ts time.Time) bool {
	start, okStart := parseClock(w.Start)
	end, okEnd := parseClock(w.End)
	if !okStart || !okEnd {
		return false
	}
	utc := ts.UTC()
	minute := utc.Hour()*60 + utc.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// OnAddUsage subscribes an observer and returns its id for OffAddUsage.
func (t *Tracker) OnAddUsage(obs Observer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObsID
	t.nextObsID++
	t.observers[id] = obs
	return id
}

// OffAddUsage removes an observer. Unknown ids are ignored.
func (t *Tracker) OffAddUsage(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, id)
}

// TotalCost returns the summed cost of all records.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, agg := range t.perModel {
		total += agg.Cost
	}
	return total
}

// PerModel returns a copy of the per-model aggregates.
func (t *Tracker) PerModel() map[string]ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make(map[string]ModelUsage, len(t.perModel))
	for k, v := range t.perModel {
		result[k] = *v
	}
	return result
}

// Recent returns up to limit of the most recent records, oldest first.
// A non-positive limit returns everything.
func (t *Tracker) Recent(limit int) []pkgmodels.UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	start := len(t.records) - limit
	result := make([]pkgmodels.UsageRecord, limit)
	copy(result, t.records[start:])
	return result
}

// Summary renders a human-readable cost breakdown.
func (t *Tracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var totalCost float64
	var totalCalls int
	modelIDs := make([]string, 0, len(t.perModel))
	for id, agg := range t.perModel {
		totalCost += agg.Cost
		totalCalls += agg.Calls
		modelIDs = append(modelIDs, id)
	}
	sort.Strings(modelIDs)

	var b strings.Builder
	fmt.Fprintf(&b, "Total: %s across %d calls", formatUSDOrZero(totalCost), totalCalls)
	for _, id := range modelIDs {
		agg := t.perModel[id]
		fmt.Fprintf(&b, "\n  %s: %d calls, %s (in %s, out %s)",
			id, agg.Calls, formatUSDOrZero(agg.Cost),
			FormatTokenCount(agg.InputTokens), FormatTokenCount(agg.OutputTokens))
	}
	return b.String()
}

// Reset clears the ledger, aggregates, and cumulative tier state.
// Observers stay subscribed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
	t.perModel = make(map[string]*ModelUsage)
	t.cumulative = make(map[string]int64)
}

func formatUSDOrZero(amount float64) string {
	if s := FormatUSD(amount); s != "" {
		return s
	}
	return "$0.00"
}
