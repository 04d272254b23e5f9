package domain

import (
	"math"
	"strconv"
	"strings"
)

// FormatBRL форматирует сумму в виде "R$ 1.234,56", отрицательные как "-R$ 1.234,56".
func FormatBRL(amount float64) string {
	cents := int64(math.Round(math.Abs(amount) * 100))
	whole := strconv.FormatInt(cents/100, 10)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	frac := cents % 100
	out := "R$ " + b.String() + "," + strconv.FormatInt(frac/10, 10) + strconv.FormatInt(frac%10, 10)
	if amount < 0 && cents > 0 {
		return "-" + out
	}
	return out
}
