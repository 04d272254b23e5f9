package nlu

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxAmount — верхняя граница распознаваемой суммы.
const MaxAmount = 1_000_000

var (
	thousandsAmountRe = regexp.MustCompile(`(?i)(?:r\$\s*)?(\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?|\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?)`)
	plainAmountRe     = regexp.MustCompile(`(?i)(?:r\$\s*)?(\d+(?:[.,]\d{1,2})?)`)
	hashtagRe         = regexp.MustCompile(`#([\p{L}\p{N}_-]+)`)
	keywordRe         = regexp.MustCompile(`(?i)\b(gastei|paguei|comprei|despesa|gasto|recebi|ganhei|receita|entrada|caiu|reais|real)\b`)
	currencyRe        = regexp.MustCompile(`(?i)r\$`)
	leadingFillerRe   = regexp.MustCompile(`(?i)^((de|do|da|dos|das|no|na|nos|nas|em|com|para|pra|pro)\s+)+`)
	spacesRe          = regexp.MustCompile(`\s+`)
)

// ParseAmount извлекает денежную сумму. Шаблон с разделителями тысяч (1.500,00 / 1,500.00)
// имеет приоритет над простым числом. Сумма должна быть в (0, MaxAmount], округляется до копеек.
func ParseAmount(text string) (float64, bool) {
	if v, ok := firstAmount(text, thousandsAmountRe, normalizeGrouped); ok {
		return v, true
	}
	return firstAmount(text, plainAmountRe, normalizePlain)
}

func firstAmount(text string, re *regexp.Regexp, normalize func(string) string) (float64, bool) {
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		numStart, numEnd := loc[2], loc[3]
		if !amountBoundary(text, loc[0], numEnd) {
			continue
		}
		value, err := strconv.ParseFloat(normalize(text[numStart:numEnd]), 64)
		if err != nil {
			continue
		}
		value = math.Round(value*100) / 100
		if value <= 0 || value > MaxAmount {
			return 0, false
		}
		return value, true
	}
	return 0, false
}

// amountBoundary отсекает числа внутри дат, времени, хэштегов и слов.
func amountBoundary(text string, matchStart, numEnd int) bool {
	if matchStart > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:matchStart])
		if unicode.IsLetter(prev) || unicode.IsDigit(prev) || strings.ContainsRune("/:#.,", prev) {
			return false
		}
	}
	if numEnd < len(text) {
		next, _ := utf8.DecodeRuneInString(text[numEnd:])
		if unicode.IsDigit(next) || next == '/' || next == ':' || next == 'h' || next == 'H' {
			return false
		}
	}
	return true
}

func normalizeGrouped(raw string) string {
	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	if lastComma > lastDot {
		// 1.500,00
		raw = strings.ReplaceAll(raw, ".", "")
		return strings.Replace(raw, ",", ".", 1)
	}
	if lastComma >= 0 {
		// 1,500.00
		return strings.ReplaceAll(raw, ",", "")
	}
	// 1.500
	return strings.ReplaceAll(raw, ".", "")
}

func normalizePlain(raw string) string {
	return strings.Replace(raw, ",", ".", 1)
}

// ParseCategory возвращает первый #тег в нижнем регистре.
func ParseCategory(text string) (string, bool) {
	m := hashtagRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// ParseDescription убирает ключевые слова намерения, суммы, хэштеги и даты из исходного текста.
func ParseDescription(text string) (string, bool) {
	cleaned := hashtagRe.ReplaceAllString(text, " ")
	cleaned = stripDateTokens(cleaned)
	cleaned = thousandsAmountRe.ReplaceAllString(cleaned, " ")
	cleaned = plainAmountRe.ReplaceAllString(cleaned, " ")
	cleaned = currencyRe.ReplaceAllString(cleaned, " ")
	cleaned = keywordRe.ReplaceAllString(cleaned, " ")
	cleaned = collapseSpaces(cleaned)
	cleaned = strings.TrimSpace(leadingFillerRe.ReplaceAllString(cleaned, ""))
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}

func collapseSpaces(s string) string {
	return strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
}
