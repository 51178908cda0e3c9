package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is an amount in minor units (cents) with an ISO currency code.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, m.Currency)
}

// MaxAmount is the largest accepted price in minor units (one billion in major
// units). Sums over many listings stay far from int64 overflow.
const MaxAmount int64 = 100_000_000_000

// ParseAmount converts a decimal string such as "20.0" or "1 234,50" into
// minor units. Amounts must be positive and at most MaxAmount.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parse amount %q: not finite", s)
	}
	cents := math.Round(f * 100)
	if cents <= 0 {
		return 0, fmt.Errorf("parse amount %q: must be positive", s)
	}
	if cents > float64(MaxAmount) {
		return 0, fmt.Errorf("parse amount %q: exceeds %d minor units", s, MaxAmount)
	}
	return int64(cents), nil
}
