// Package money holds the fixed-point helpers used for contract amounts.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a contract does not name one.
const DefaultCurrency = "NGN"

var (
	hundred = decimal.NewFromInt(100)

	symbols = map[string]string{
		"NGN": "₦",
		"USD": "$",
		"GBP": "£",
		"EUR": "€",
	}
)

// Round rounds to whole cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Format renders an amount for display, e.g. "₦8,500,000" or "₦83,333.33".
// Cents are only shown when non-zero.
func Format(amount decimal.Decimal, currency string) string {
	amount = amount.Round(2)
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}

	whole := amount.Truncate(0)
	digits := whole.String()
	out := group(digits)
	if !amount.Equal(whole) {
		fixed := amount.StringFixed(2)
		out += fixed[len(digits):]
	}
	return sign + Symbol(currency) + out
}

// Symbol returns the display prefix for a currency code.
func Symbol(currency string) string {
	if currency == "" {
		currency = DefaultCurrency
	}
	code := strings.ToUpper(currency)
	if s, ok := symbols[code]; ok {
		return s
	}
	return code + " "
}

func group(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// Split divides total into n cent-exact parts. Remainder cents go to the
// earliest parts so that the parts always sum to total.
func Split(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	cents := total.Mul(hundred).Round(0).IntPart()
	base := cents / int64(n)
	rem := cents % int64(n)

	parts := make([]decimal.Decimal, n)
	for i := range parts {
		c := base
		if int64(i) < rem {
			c++
		}
		parts[i] = decimal.New(c, -2)
	}
	return parts
}

// Percent returns pct percent of total rounded to cents.
func Percent(total, pct decimal.Decimal) decimal.Decimal {
	return total.Mul(pct).Div(hundred).Round(2)
}

// Ratio returns part as a percentage of total with four decimal places.
func Ratio(part, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(total, 4)
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
