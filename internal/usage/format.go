package usage

import (
	"fmt"
	"math"
)

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display. Zero, negative, and
// non-finite amounts render as the empty string.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatDurationMs formats a duration in milliseconds.
func FormatDurationMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	if ms < 3600000 {
		return fmt.Sprintf("%.1fm", float64(ms)/60000)
	}
	return fmt.Sprintf("%.1fh", float64(ms)/3600000)
}
