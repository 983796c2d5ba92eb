package services

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Pricing computes call charges.
type Pricing struct {
	BaseRatePerMinute decimal.Decimal
	MinimumCharge     decimal.Decimal
}

func DefaultPricing() Pricing {
	return Pricing{
		BaseRatePerMinute: decimal.NewFromInt(10),
		MinimumCharge:     decimal.NewFromInt(20),
	}
}

// Charges returns max(rate × minutes, minimum), rounded to cents.
func (p Pricing) Charges(callDuration float64) decimal.Decimal {
	amount := p.BaseRatePerMinute.Mul(decimal.NewFromFloat(callDuration))
	if amount.LessThan(p.MinimumCharge) {
		amount = p.MinimumCharge
	}
	return amount.Round(2)
}

// minTokenLength is the shortest token kept as a specialization.
const minTokenLength = 3

// Tokenize derives specializations from free text: split on whitespace,
// lowercase, trim surrounding punctuation, drop tokens shorter than three
// characters and duplicates. Order of first occurrence is kept.
func Tokenize(details string) []string {
	seen := make(map[string]struct{})
	tokens := []string{}
	for _, field := range strings.Fields(details) {
		tok := strings.ToLower(strings.TrimFunc(field, isEdgePunct))
		if utf8.RuneCountInString(tok) < minTokenLength {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	return tokens
}

// NormalizeSpecializations lowercases and dedupes an explicit list.
func NormalizeSpecializations(specs []string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, s := range specs {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func isEdgePunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
