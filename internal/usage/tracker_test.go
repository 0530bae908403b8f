package usage

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/ensemble/internal/models"
	pkgmodels "github.com/haasonsaas/ensemble/pkg/models"
)

type stubPrices map[string]*models.Model

func (s stubPrices) Get(id string) (*models.Model, bool) {
	m, ok := s[id]
	return m, ok
}

func flatPrices() stubPrices {
	return stubPrices{
		"sonnet": {
			ID: "sonnet",
			Cost: models.Cost{
				InputPerMillion:       3.0,
				OutputPerMillion:      15.0,
				CachedInputPerMillion: 0.30,
			},
		},
		"painter": {
			ID:   "painter",
			Cost: models.Cost{PerImage: 0.04},
		},
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTracker_AddUsageComputesCost(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	record := tracker.AddUsage(pkgmodels.UsageRecord{
		Model:        "sonnet",
		InputTokens:  1000,
		OutputTokens: 500,
	})

	// (1000 * 3 + 500 * 15) / 1_000_000 = 0.0105
	if !approxEqual(record.Cost, 0.0105) {
		t.Errorf("Cost = %f, want 0.0105", record.Cost)
	}
	if record.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled")
	}
}

func TestTracker_CachedTokensDiscounted(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	record := tracker.AddUsage(pkgmodels.UsageRecord{
		Model:        "sonnet",
		InputTokens:  1000,
		CachedTokens: 400,
	})

	// 600 billable at $3/M, 400 cached at $0.30/M
	want := (600*3.0 + 400*0.30) / 1e6
	if !approxEqual(record.Cost, want) {
		t.Errorf("Cost = %f, want %f", record.Cost, want)
	}
}

func TestTracker_CachedTokensWithoutDiscountRate(t *testing.T) {
	prices := stubPrices{
		"plain": {ID: "plain", Cost: models.Cost{InputPerMillion: 2.0, OutputPerMillion: 8.0}},
	}
	tracker := NewTracker(prices, nil)

	record := tracker.AddUsage(pkgmodels.UsageRecord{
		Model:        "plain",
		InputTokens:  1000,
		CachedTokens: 500,
	})

	// No cached rate published: all 1000 input tokens bill at $2/M.
	if !approxEqual(record.Cost, 1000*2.0/1e6) {
		t.Errorf("Cost = %f, want %f", record.Cost, 1000*2.0/1e6)
	}
}

func TestTracker_PerImageCost(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	record := tracker.AddUsage(pkgmodels.UsageRecord{
		Model:      "painter",
		ImageCount: 3,
	})

	if !approxEqual(record.Cost, 0.12) {
		t.Errorf("Cost = %f, want 0.12", record.Cost)
	}
}

func TestTracker_WireCostPassesThrough(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	record := tracker.AddUsage(pkgmodels.UsageRecord{
		Model:        "sonnet",
		InputTokens:  1000,
		OutputTokens: 1000,
		Cost:         0.42,
	})

	if record.Cost != 0.42 {
		t.Errorf("Cost = %f, want pass-through 0.42", record.Cost)
	}
}

func TestTracker_UnknownModelCostsZero(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	record := tracker.AddUsage(pkgmodels.UsageRecord{
		Model:        "mystery",
		InputTokens:  1_000_000,
		OutputTokens: 1_000_000,
	})

	if record.Cost != 0 {
		t.Errorf("Cost = %f, want 0 for unknown model", record.Cost)
	}
}

func TestTracker_TieredPricing(t *testing.T) {
	prices := stubPrices{
		"tiered": {
			ID: "tiered",
			Cost: models.Cost{
				Tiers: []models.PriceTier{
					{UpToTokens: 1000, InputPerMillion: 1.0, OutputPerMillion: 2.0},
					{UpToTokens: 0, InputPerMillion: 4.0, OutputPerMillion: 8.0},
				},
			},
		},
	}
	tracker := NewTracker(prices, nil)

	// First call: cumulative 0, inside the first tier.
	first := tracker.AddUsage(pkgmodels.UsageRecord{Model: "tiered", InputTokens: 800})
	if !approxEqual(first.Cost, 800*1.0/1e6) {
		t.Errorf("first Cost = %f, want %f", first.Cost, 800*1.0/1e6)
	}

	// Second call: cumulative 800 still within the first tier boundary.
	second := tracker.AddUsage(pkgmodels.UsageRecord{Model: "tiered", InputTokens: 800})
	if !approxEqual(second.Cost, 800*1.0/1e6) {
		t.Errorf("second Cost = %f, want %f", second.Cost, 800*1.0/1e6)
	}

	// Third call: cumulative 1600 crosses into the unbounded tier.
	third := tracker.AddUsage(pkgmodels.UsageRecord{Model: "tiered", InputTokens: 1000})
	if !approxEqual(third.Cost, 1000*4.0/1e6) {
		t.Errorf("third Cost = %f, want %f", third.Cost, 1000*4.0/1e6)
	}
}

func TestTracker_OffPeakWindow(t *testing.T) {
	prices := stubPrices{
		"night-owl": {
			ID: "night-owl",
			Cost: models.Cost{
				InputPerMillion:  2.0,
				OutputPerMillion: 8.0,
				Windows: []models.PriceWindow{
					{Start: "16:30", End: "00:30", InputPerMillion: 1.0, OutputPerMillion: 4.0},
				},
			},
		},
	}
	tracker := NewTracker(prices, nil)

	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"inside window evening", time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC), 1000 * 1.0 / 1e6},
		{"inside window past midnight", time.Date(2025, 6, 1, 0, 15, 0, 0, time.UTC), 1000 * 1.0 / 1e6},
		{"window start inclusive", time.Date(2025, 6, 1, 16, 30, 0, 0, time.UTC), 1000 * 1.0 / 1e6},
		{"window end exclusive", time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC), 1000 * 2.0 / 1e6},
		{"daytime standard rate", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), 1000 * 2.0 / 1e6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := tracker.AddUsage(pkgmodels.UsageRecord{
				Model:       "night-owl",
				InputTokens: 1000,
				Timestamp:   tt.at,
			})
			if !approxEqual(record.Cost, tt.want) {
				t.Errorf("Cost = %f, want %f", record.Cost, tt.want)
			}
		})
	}
}

func TestTracker_AddEstimatedUsage(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	// 10 chars -> ceil(10/4) = 3 tokens, 5 chars -> ceil(5/4) = 2 tokens.
	record := tracker.AddEstimatedUsage("sonnet", "0123456789", "01234", map[string]any{
		pkgmodels.UsageMetaRequestID: "req-1",
	})

	if record.InputTokens != 3 {
		t.Errorf("InputTokens = %d, want 3", record.InputTokens)
	}
	if record.OutputTokens != 2 {
		t.Errorf("OutputTokens = %d, want 2", record.OutputTokens)
	}
	if !record.Estimated() {
		t.Error("expected record to be marked estimated")
	}
	if record.RequestID() != "req-1" {
		t.Errorf("RequestID() = %q, want %q", record.RequestID(), "req-1")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestTracker_Observers(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	var seen []string
	id := tracker.OnAddUsage(func(r pkgmodels.UsageRecord) {
		seen = append(seen, r.Model)
	})

	tracker.AddUsage(pkgmodels.UsageRecord{Model: "sonnet", InputTokens: 10})
	tracker.OffAddUsage(id)
	tracker.AddUsage(pkgmodels.UsageRecord{Model: "sonnet", InputTokens: 10})

	if len(seen) != 1 {
		t.Fatalf("observer fired %d times, want 1", len(seen))
	}
	if seen[0] != "sonnet" {
		t.Errorf("observer saw model %q, want %q", seen[0], "sonnet")
	}
}

func TestTracker_ObserverPanicDoesNotAbort(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	tracker.OnAddUsage(func(pkgmodels.UsageRecord) {
		panic("observer bug")
	})
	fired := false
	tracker.OnAddUsage(func(pkgmodels.UsageRecord) {
		fired = true
	})

	record := tracker.AddUsage(pkgmodels.UsageRecord{Model: "sonnet", InputTokens: 10})

	if record.Model != "sonnet" {
		t.Error("AddUsage should return the record despite a panicking observer")
	}
	if !fired {
		t.Error("second observer should still fire")
	}
}

func TestTracker_Aggregates(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	tracker.AddUsage(pkgmodels.UsageRecord{Model: "sonnet", InputTokens: 1000, OutputTokens: 500})
	tracker.AddUsage(pkgmodels.UsageRecord{Model: "sonnet", InputTokens: 2000, OutputTokens: 1000})
	tracker.AddUsage(pkgmodels.UsageRecord{Model: "painter", ImageCount: 1})

	perModel := tracker.PerModel()
	if len(perModel) != 2 {
		t.Fatalf("PerModel() has %d entries, want 2", len(perModel))
	}
	sonnet := perModel["sonnet"]
	if sonnet.Calls != 2 {
		t.Errorf("sonnet Calls = %d, want 2", sonnet.Calls)
	}
	if sonnet.InputTokens != 3000 {
		t.Errorf("sonnet InputTokens = %d, want 3000", sonnet.InputTokens)
	}

	wantTotal := (1000*3.0+500*15.0)/1e6 + (2000*3.0+1000*15.0)/1e6 + 0.04
	if !approxEqual(tracker.TotalCost(), wantTotal) {
		t.Errorf("TotalCost() = %f, want %f", tracker.TotalCost(), wantTotal)
	}
}

func TestTracker_Recent(t *testing.T) {
	tracker := NewTracker(nil, nil)

	for i := 0; i < 5; i++ {
		tracker.AddUsage(pkgmodels.UsageRecord{
			Model:       "m",
			InputTokens: (i + 1) * 100,
		})
	}

	records := tracker.Recent(3)
	if len(records) != 3 {
		t.Fatalf("Recent(3) returned %d records, want 3", len(records))
	}
	if records[0].InputTokens != 300 || records[2].InputTokens != 500 {
		t.Errorf("Recent(3) order wrong: got %d..%d, want 300..500",
			records[0].InputTokens, records[2].InputTokens)
	}

	all := tracker.Recent(0)
	if len(all) != 5 {
		t.Errorf("Recent(0) returned %d records, want all 5", len(all))
	}
}

func TestTracker_Reset(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	tracker.AddUsage(pkgmodels.UsageRecord{Model: "sonnet", InputTokens: 1000})
	tracker.Reset()

	if tracker.TotalCost() != 0 {
		t.Errorf("TotalCost() after Reset = %f, want 0", tracker.TotalCost())
	}
	if len(tracker.Recent(0)) != 0 {
		t.Error("Recent() after Reset should be empty")
	}
	if len(tracker.PerModel()) != 0 {
		t.Error("PerModel() after Reset should be empty")
	}
}

func TestTracker_Summary(t *testing.T) {
	tracker := NewTracker(flatPrices(), nil)

	tracker.AddUsage(pkgmodels.UsageRecord{Model: "sonnet", InputTokens: 1000, OutputTokens: 500})

	summary := tracker.Summary()
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
	if want := "across 1 calls"; !strings.Contains(summary, want) {
		t.Errorf("Summary() = %q, missing %q", summary, want)
	}
	if !strings.Contains(summary, "sonnet") {
		t.Errorf("Summary() = %q, missing model line", summary)
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{0, "0"},
		{-10, "0"},
		{500, "500"},
		{1000, "1.0k"},
		{1500, "1.5k"},
		{10000, "10k"},
		{100000, "100k"},
		{1500000, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatTokenCount(tt.count)
			if got != tt.want {
				t.Errorf("FormatTokenCount(%d) = %q, want %q", tt.count, got, tt.want)
			}
		})
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{0, ""},
		{-1, ""},
		{0.001, "$0.0010"},
		{0.0123, "$0.01"},
		{1.5, "$1.50"},
		{10.99, "$10.99"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatUSD(tt.amount)
			if got != tt.want {
				t.Errorf("FormatUSD(%f) = %q, want %q", tt.amount, got, tt.want)
			}
		})
	}
}

func TestFormatDurationMs(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{500, "500ms"},
		{1500, "1.5s"},
		{90000, "1.5m"},
		{5400000, "1.5h"},
	}

	for _, tt := range tests {
		if got := FormatDurationMs(tt.ms); got != tt.want {
			t.Errorf("FormatDurationMs(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}
