package nlu

import (
	"regexp"
	"testing"
	"time"

	"finance-bot/internal/domain"
)

// пятница, 10 мая 2024
var fixedNow = time.Date(2024, time.May, 10, 15, 4, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	cases := []struct {
		text  string
		kind  domain.IntentKind
		rng   string
		index int
	}{
		{"gastei 28,50 mercado #alimentacao ontem", domain.IntentLogExpense, "", 0},
		{"recebi 1200 salario #renda hoje", domain.IntentLogIncome, "", 0},
		{"resumo mês", domain.IntentReport, RangeMonth, 0},
		{"Relatório da semana", domain.IntentReport, RangeWeek, 0},
		{"saldo", domain.IntentReport, "", 0},
		{"criar tarefa pagar água amanhã 10h", domain.IntentTaskCreate, "", 0},
		{"minhas tarefas", domain.IntentTaskList, "", 0},
		{"concluir tarefa 2", domain.IntentTaskComplete, "", 2},
		{"lembrar amanhã pagar conta", domain.IntentReminderCreate, "", 0},
		{"me lembre de ligar pro banco em 30 min", domain.IntentReminderCreate, "", 0},
		{"agendar dentista amanhã 15h", domain.IntentAgendaCreate, "", 0},
		{"agenda hoje", domain.IntentAgendaSummary, RangeToday, 0},
		{"oi", domain.IntentHelp, "", 0},
		{"", domain.IntentHelp, "", 0},
	}
	for _, tc := range cases {
		got := Classify(tc.text)
		if got.Kind != tc.kind {
			t.Fatalf("%q: ожидали %s, получили %s", tc.text, tc.kind, got.Kind)
		}
		if got.Range != tc.rng {
			t.Fatalf("%q: ожидали период %q, получили %q", tc.text, tc.rng, got.Range)
		}
		if got.Index != tc.index {
			t.Fatalf("%q: ожидали индекс %d, получили %d", tc.text, tc.index, got.Index)
		}
	}
}

func TestReminderBeatsAgenda(t *testing.T) {
	text := "lembrar amanhã de marcar consulta"
	if got := Classify(text).Kind; got != domain.IntentReminderCreate {
		t.Fatalf("ожидали REMINDER_CREATE, получили %s", got)
	}
}

func TestClassifyWithCustomOrder(t *testing.T) {
	rules := []Rule{
		{domain.IntentAgendaCreate, regexp.MustCompile(`\bmarcar\b`)},
		{domain.IntentReminderCreate, regexp.MustCompile(`\blembrar\b`)},
	}
	if got := ClassifyWith(rules, "lembrar de marcar consulta").Kind; got != domain.IntentAgendaCreate {
		t.Fatalf("первое правило должно выигрывать, получили %s", got)
	}
	if got := ClassifyWith(nil, "qualquer coisa").Kind; got != domain.IntentHelp {
		t.Fatalf("без правил ожидали HELP, получили %s", got)
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"50", 50},
		{"50,00", 50},
		{"R$ 50", 50},
		{"r$50", 50},
		{"1.500,00", 1500},
		{"1,500.00", 1500},
		{"1.500", 1500},
		{"gastei 28,50 mercado", 28.5},
		{"paguei 10.999", 10999},
		{"paguei mercado 10/05 45", 45},
		{"1.000.000", 1_000_000},
	}
	for _, tc := range cases {
		got, ok := ParseAmount(tc.text)
		if !ok {
			t.Fatalf("%q: ожидали сумму %.2f", tc.text, tc.want)
		}
		if got != tc.want {
			t.Fatalf("%q: ожидали %.2f, получили %.2f", tc.text, tc.want, got)
		}
	}
}

func TestParseAmountRejects(t *testing.T) {
	for _, text := range []string{"0", "0,00", "2000000", "1.000.001", "sem valor", "10/05", "às 9h", "#123"} {
		if v, ok := ParseAmount(text); ok {
			t.Fatalf("%q: не ожидали сумму, получили %.2f", text, v)
		}
	}
}

func TestParseCategory(t *testing.T) {
	got, ok := ParseCategory("gastei 28,50 mercado #Alimentacao ontem #extra")
	if !ok || got != "alimentacao" {
		t.Fatalf("ожидали alimentacao, получили %q (%v)", got, ok)
	}
	if _, ok := ParseCategory("gastei 10 mercado"); ok {
		t.Fatalf("без хэштега категории быть не должно")
	}
}

func TestParseDescription(t *testing.T) {
	cases := map[string]string{
		"gastei 28,50 mercado #alimentacao ontem": "mercado",
		"recebi 1200 salario #renda hoje":         "salario",
		"paguei R$ 1.500,00 de aluguel":           "aluguel",
		"comprei 2 cafés na padaria":              "cafés na padaria",
	}
	for text, want := range cases {
		got, ok := ParseDescription(text)
		if !ok || got != want {
			t.Fatalf("%q: ожидали %q, получили %q", text, want, got)
		}
	}
	if got, ok := ParseDescription("gastei 50 #lazer"); ok {
		t.Fatalf("ожидали пустое описание, получили %q", got)
	}
}

func TestParseDateRelative(t *testing.T) {
	cases := []struct {
		text string
		want time.Time
	}{
		{"hoje", fixedNow},
		{"gastei 10 ontem", fixedNow.AddDate(0, 0, -1)},
		{"amanhã", fixedNow.AddDate(0, 0, 1)},
		{"amanha", fixedNow.AddDate(0, 0, 1)},
		{"25/12", time.Date(2024, time.December, 25, 0, 0, 0, 0, time.UTC)},
		{"25/12/2023 10:30", time.Date(2023, time.December, 25, 10, 30, 0, 0, time.UTC)},
		{"01/02/25", time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, ok := ParseDateRelative(tc.text, fixedNow)
		if !ok {
			t.Fatalf("%q: ожидали дату", tc.text)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%q: ожидали %s, получили %s", tc.text, tc.want, got)
		}
	}
	for _, text := range []string{"31/02", "sem data", "13/13"} {
		if got, ok := ParseDateRelative(text, fixedNow); ok {
			t.Fatalf("%q: не ожидали дату, получили %s", text, got)
		}
	}
}

func TestParseDateTime(t *testing.T) {
	cases := []struct {
		text string
		want time.Time
	}{
		{"amanhã 10h", time.Date(2024, time.May, 11, 10, 0, 0, 0, time.UTC)},
		{"lembrar amanhã 9h pagar cartão", time.Date(2024, time.May, 11, 9, 0, 0, 0, time.UTC)},
		{"amanhã às 9h30", time.Date(2024, time.May, 11, 9, 30, 0, 0, time.UTC)},
		{"amanhã", time.Date(2024, time.May, 11, DefaultClockHour, 0, 0, 0, time.UTC)},
		{"12/05 08:15", time.Date(2024, time.May, 12, 8, 15, 0, 0, time.UTC)},
		{"12/05 às 14h", time.Date(2024, time.May, 12, 14, 0, 0, 0, time.UTC)},
		{"20:30", time.Date(2024, time.May, 10, 20, 30, 0, 0, time.UTC)},
		{"às 14h", time.Date(2024, time.May, 11, 14, 0, 0, 0, time.UTC)},
		{"em 30 min", fixedNow.Add(30 * time.Minute)},
		{"daqui 2 horas", fixedNow.Add(2 * time.Hour)},
		{"daqui a 3 dias", fixedNow.AddDate(0, 0, 3)},
	}
	for _, tc := range cases {
		got, ok := ParseDateTime(tc.text, fixedNow)
		if !ok {
			t.Fatalf("%q: ожидали момент времени", tc.text)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%q: ожидали %s, получили %s", tc.text, tc.want, got)
		}
	}
	if got, ok := ParseDateTime("pagar conta", fixedNow); ok {
		t.Fatalf("не ожидали момент времени, получили %s", got)
	}
}

func TestPeriodFor(t *testing.T) {
	week, ok := PeriodFor(RangeWeek, fixedNow)
	if !ok {
		t.Fatalf("ожидали период недели")
	}
	if want := time.Date(2024, time.May, 6, 0, 0, 0, 0, time.UTC); !week.From.Equal(want) {
		t.Fatalf("неделя должна начинаться с понедельника %s, получили %s", want, week.From)
	}
	if !week.To.Equal(week.From.AddDate(0, 0, 7)) {
		t.Fatalf("неделя должна длиться 7 дней")
	}

	sunday := time.Date(2024, time.May, 12, 23, 0, 0, 0, time.UTC)
	week, _ = PeriodFor(RangeWeek, sunday)
	if week.From.Day() != 6 {
		t.Fatalf("воскресенье относится к неделе с понедельника 6-го, получили %s", week.From)
	}

	month, _ := PeriodFor(RangeMonth, fixedNow)
	if month.From.Day() != 1 || month.To.Month() != time.June {
		t.Fatalf("неожиданный месяц: %+v", month)
	}
	year, _ := PeriodFor(RangeYear, fixedNow)
	if year.From.YearDay() != 1 || year.To.Year() != 2025 {
		t.Fatalf("неожиданный год: %+v", year)
	}
	today, _ := PeriodFor(RangeToday, fixedNow)
	if !today.Contains(fixedNow) || today.Contains(fixedNow.AddDate(0, 0, 1)) {
		t.Fatalf("неожиданный день: %+v", today)
	}
	if _, ok := PeriodFor("", fixedNow); ok {
		t.Fatalf("пустое имя периода не должно распознаваться")
	}
}

func TestExtractRange(t *testing.T) {
	period, ok := ExtractRange("resumo mês", fixedNow)
	if !ok || period.From.Month() != time.May || period.From.Day() != 1 {
		t.Fatalf("ожидали текущий месяц, получили %+v (%v)", period, ok)
	}
	if _, ok := ExtractRange("resumo", fixedNow); ok {
		t.Fatalf("без периода ожидали false")
	}
}

func TestTitles(t *testing.T) {
	if got := TaskTitle("criar tarefa pagar água amanhã 10h"); got != "pagar água" {
		t.Fatalf("неожиданный заголовок задачи: %q", got)
	}
	if got := EventTitle("agendar dentista amanhã 15h"); got != "dentista" {
		t.Fatalf("неожиданный заголовок события: %q", got)
	}
	if got := ReminderText("lembrar amanhã 9h pagar cartão"); got != "pagar cartão" {
		t.Fatalf("неожиданный текст напоминания: %q", got)
	}
	if got := ReminderText("me lembre de tomar remédio todo dia 8h"); got != "tomar remédio todo dia" {
		t.Fatalf("маркер повторения должен остаться: %q", got)
	}
	if got := ReminderText("lembre-me de ligar em 30 min"); got != "ligar" {
		t.Fatalf("неожиданный текст напоминания: %q", got)
	}
}
