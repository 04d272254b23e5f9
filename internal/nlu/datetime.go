package nlu

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"finance-bot/internal/domain"
)

// Имена периодов для отчётов и агенды.
const (
	RangeToday = "hoje"
	RangeWeek  = "semana"
	RangeMonth = "mes"
	RangeYear  = "ano"
)

// DefaultClockHour — час по умолчанию, если дата указана без времени.
const DefaultClockHour = 9

var (
	explicitDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2}|\d{4}))?\b(?:\s+(?:às\s+|as\s+)?(\d{1,2})[:h](\d{2})\b)?`)
	todayRe        = regexp.MustCompile(`\bhoje\b`)
	yesterdayRe    = regexp.MustCompile(`\bontem\b`)
	tomorrowRe     = regexp.MustCompile(`\bamanh[aã]`)
	clockRe        = regexp.MustCompile(`(?:(?:^|\s)(?:às|as)\s+)?\b(\d{1,2})(?:h(\d{2})?\b|:(\d{2})\b)`)
	relativeRe     = regexp.MustCompile(`\b(?:em|daqui\s+a|daqui)\s+(\d{1,3})\s*(minutos|minuto|min|horas|hora|h|dias|dia)\b`)
	dateTokenRe    = regexp.MustCompile(`(?i)\b(hoje|ontem|amanh[aã])|\b\d{1,2}/\d{1,2}(?:/\d{2,4})?\b`)
	clockTokenRe   = regexp.MustCompile(`(?i)(?:(?:^|\s)(?:às|as)\s+)?\b\d{1,2}(?:h(?:\d{2})?\b|:\d{2}\b)`)
	relTokenRe     = regexp.MustCompile(`(?i)\b(?:em|daqui\s+a|daqui)\s+\d{1,3}\s*(?:minutos|minuto|min|horas|hora|h|dias|dia)\b`)
)

// ParseDateRelative распознаёт hoje/ontem/amanhã и dd/mm[/yyyy][ hh:mm] (день перед месяцем).
// Для ключевых слов сохраняется время now, для явной даты без времени берётся полночь.
func ParseDateRelative(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(text)
	if m := explicitDateRe.FindStringSubmatch(lower); m != nil {
		if t, ok := explicitDate(m, now); ok {
			return t, true
		}
	}
	switch {
	case tomorrowRe.MatchString(lower):
		return now.AddDate(0, 0, 1), true
	case yesterdayRe.MatchString(lower):
		return now.AddDate(0, 0, -1), true
	case todayRe.MatchString(lower):
		return now, true
	}
	return time.Time{}, false
}

func explicitDate(m []string, now time.Time) (time.Time, bool) {
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year := now.Year()
	if m[3] != "" {
		year, _ = strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
	}
	hour, minute := 0, 0
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, now.Location())
	// 31/02 нормализуется в март, такую дату не принимаем.
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func parseClock(lower string) (int, int, bool) {
	m := clockRe.FindStringSubmatch(lower)
	if m == nil {
		return 0, 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	switch {
	case m[2] != "":
		minute, _ = strconv.Atoi(m[2])
	case m[3] != "":
		minute, _ = strconv.Atoi(m[3])
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func parseRelativeOffset(lower string) (time.Duration, int, bool) {
	m := relativeRe.FindStringSubmatch(lower)
	if m == nil {
		return 0, 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, 0, false
	}
	switch m[2] {
	case "min", "minuto", "minutos":
		return time.Duration(n) * time.Minute, 0, true
	case "h", "hora", "horas":
		return time.Duration(n) * time.Hour, 0, true
	default:
		return 0, n, true
	}
}

// ParseDateTime извлекает момент времени: относительный («em 30 min», «daqui 2 horas»),
// дату с временем, только дату (09:00) или только время (сегодня, а если уже прошло, то завтра).
func ParseDateTime(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(text)
	if d, days, ok := parseRelativeOffset(lower); ok {
		return now.Add(d).AddDate(0, 0, days), true
	}

	var (
		day    time.Time
		hasDay bool
		exact  bool
	)
	if m := explicitDateRe.FindStringSubmatch(lower); m != nil {
		if t, ok := explicitDate(m, now); ok {
			day, hasDay, exact = t, true, m[4] != ""
		}
	}
	if exact {
		return day, true
	}
	if !hasDay {
		day, hasDay = ParseDateRelative(lower, now)
	}

	hour, minute, hasClock := parseClock(stripExplicitDates(lower))
	switch {
	case hasDay && hasClock:
		return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location()), true
	case hasDay:
		return time.Date(day.Year(), day.Month(), day.Day(), DefaultClockHour, 0, 0, 0, now.Location()), true
	case hasClock:
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if t.Before(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true
	}
	return time.Time{}, false
}

func stripExplicitDates(lower string) string {
	return explicitDateRe.ReplaceAllString(lower, " ")
}

// PeriodFor превращает имя периода в конкретный интервал [from, to) относительно now.
// Неделя начинается с понедельника, месяц и год выровнены по календарю.
func PeriodFor(name string, now time.Time) (domain.Period, bool) {
	loc := now.Location()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	switch name {
	case RangeToday:
		return domain.Period{From: startOfDay, To: startOfDay.AddDate(0, 0, 1)}, true
	case RangeWeek:
		offset := (int(now.Weekday()) + 6) % 7
		from := startOfDay.AddDate(0, 0, -offset)
		return domain.Period{From: from, To: from.AddDate(0, 0, 7)}, true
	case RangeMonth, "mês":
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return domain.Period{From: from, To: from.AddDate(0, 1, 0)}, true
	case RangeYear:
		from := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return domain.Period{From: from, To: from.AddDate(1, 0, 0)}, true
	}
	return domain.Period{}, false
}

// ExtractRange находит в тексте hoje/semana/mês/ano и возвращает соответствующий интервал.
func ExtractRange(text string, now time.Time) (domain.Period, bool) {
	return PeriodFor(DetectRange(text), now)
}

func stripDateTokens(text string) string {
	text = relTokenRe.ReplaceAllString(text, " ")
	text = dateTokenRe.ReplaceAllString(text, " ")
	return clockTokenRe.ReplaceAllString(text, " ")
}

var (
	taskTriggerRe     = regexp.MustCompile(`(?i)^\s*(criar|crie|nova|adicionar|adicione|add)\s+tarefa\s*:?\s*`)
	eventTriggerRe    = regexp.MustCompile(`(?i)\b(agendar|agende|marcar|marque|novo\s+evento|criar\s+evento)\b\s*:?\s*`)
	reminderTriggerRe = regexp.MustCompile(`(?i)\b(me\s+)?(lembrar|lembre|lembra|lembrete)(\s*-\s*me|\s+me)?(\s+(de|que|do|da))?\b\s*:?\s*`)
)

// TaskTitle убирает из текста триггер создания задачи и дату/время.
func TaskTitle(text string) string {
	return cleanTitle(taskTriggerRe.ReplaceAllString(text, " "))
}

// EventTitle убирает триггер создания события и дату/время.
func EventTitle(text string) string {
	return cleanTitle(eventTriggerRe.ReplaceAllString(text, " "))
}

// ReminderText убирает триггер напоминания и дату/время. Маркеры повторения остаются в тексте.
func ReminderText(text string) string {
	return cleanTitle(reminderTriggerRe.ReplaceAllString(text, " "))
}

func cleanTitle(text string) string {
	cleaned := collapseSpaces(stripDateTokens(text))
	return strings.TrimSpace(leadingFillerRe.ReplaceAllString(cleaned, ""))
}
