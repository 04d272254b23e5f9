package reminder

import (
	"regexp"
	"strings"
	"time"
)

// Recurrence — период повторения напоминания.
type Recurrence int

const (
	RecurrenceNone Recurrence = iota
	RecurrenceDaily
	RecurrenceWeekly
	RecurrenceMonthly
)

var (
	dailyRe   = regexp.MustCompile(`(?:^|[^\p{L}])(todo\s+dia|todos\s+os\s+dias|diariamente)(?:$|[^\p{L}])`)
	weeklyRe  = regexp.MustCompile(`(?:^|[^\p{L}])(semanal|semanalmente|toda\s+semana|todas\s+as\s+semanas)(?:$|[^\p{L}])`)
	monthlyRe = regexp.MustCompile(`(?:^|[^\p{L}])(mensal|mensalmente|todo\s+m[eê]s|todos\s+os\s+meses)(?:$|[^\p{L}])`)
)

// DetectRecurrence ищет маркер повторения в тексте напоминания.
func DetectRecurrence(text string) Recurrence {
	lower := strings.ToLower(text)
	switch {
	case dailyRe.MatchString(lower):
		return RecurrenceDaily
	case weeklyRe.MatchString(lower):
		return RecurrenceWeekly
	case monthlyRe.MatchString(lower):
		return RecurrenceMonthly
	}
	return RecurrenceNone
}

// NextOccurrence возвращает следующее срабатывание после fired с тем же временем суток.
// Результат всегда позже now, пропущенные срабатывания не накапливаются.
func NextOccurrence(text string, fired, now time.Time) (time.Time, bool) {
	rec := DetectRecurrence(text)
	if rec == RecurrenceNone {
		return time.Time{}, false
	}
	for n := 1; ; n++ {
		next := step(rec, fired, n)
		if next.After(now) {
			return next, true
		}
	}
}

func step(rec Recurrence, from time.Time, n int) time.Time {
	switch rec {
	case RecurrenceDaily:
		return from.AddDate(0, 0, n)
	case RecurrenceWeekly:
		return from.AddDate(0, 0, 7*n)
	default:
		return addMonthsClamped(from, n)
	}
}

// addMonthsClamped прибавляет месяцы, не перескакивая в следующий: 31 января + 1 = 29 февраля.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}
