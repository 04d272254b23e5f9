// Package nlu извлекает намерение и сущности из свободного текста на португальском (pt-BR).
// Все функции чистые и не держат состояния.
package nlu

import (
	"regexp"
	"strconv"
	"strings"

	"finance-bot/internal/domain"
)

// Rule связывает предикат с тегом намерения. Правила проверяются сверху вниз,
// первое совпадение выигрывает.
type Rule struct {
	Kind    domain.IntentKind
	Pattern *regexp.Regexp
}

// Rules упорядочены по специфичности: напоминание проверяется раньше агенды,
// создание события раньше сводки по агенде.
var Rules = []Rule{
	{domain.IntentLogExpense, regexp.MustCompile(`\b(gastei|paguei|comprei|despesa|gasto\s+de)\b`)},
	{domain.IntentLogIncome, regexp.MustCompile(`\b(recebi|ganhei|receita|entrada\s+de|caiu)\b`)},
	{domain.IntentReport, regexp.MustCompile(`\b(resumo|relat[oó]rio|saldo|extrato|balan[cç]o)\b`)},
	{domain.IntentTaskCreate, regexp.MustCompile(`\b(criar|crie|nova|adicionar|adicione|add)\s+tarefa\b`)},
	{domain.IntentTaskList, regexp.MustCompile(`\b(tarefas|pend[eê]ncias)\b`)},
	{domain.IntentTaskComplete, regexp.MustCompile(`\b(concluir|conclui|completar|finalizar|terminei|fiz)\s+(a\s+)?tarefa\b|\btarefa\s+\d+\s+(feita|conclu)`)},
	{domain.IntentReminderCreate, regexp.MustCompile(`\b(lembrar|lembre|lembra|lembrete)\b`)},
	{domain.IntentAgendaCreate, regexp.MustCompile(`\b(agendar|agende|marcar|marque|novo\s+evento|criar\s+evento)\b`)},
	{domain.IntentAgendaSummary, regexp.MustCompile(`\b(agenda|compromissos|eventos)\b`)},
}

var (
	rangeRe = regexp.MustCompile(`\b(hoje|semana|m[eê]s|ano)\b`)
	indexRe = regexp.MustCompile(`\b(\d{1,3})\b`)
)

// Classify определяет намерение по тексту. Без совпадений возвращает HELP.
func Classify(text string) domain.Intent {
	return ClassifyWith(Rules, text)
}

// ClassifyWith применяет произвольный упорядоченный набор правил.
func ClassifyWith(rules []Rule, text string) domain.Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, rule := range rules {
		if !rule.Pattern.MatchString(lower) {
			continue
		}
		intent := domain.Intent{Kind: rule.Kind}
		switch rule.Kind {
		case domain.IntentReport, domain.IntentAgendaSummary:
			intent.Range = DetectRange(lower)
		case domain.IntentTaskComplete:
			intent.Index = ParseIndex(lower)
		}
		return intent
	}
	return domain.Intent{Kind: domain.IntentHelp}
}

// DetectRange возвращает нормализованное имя периода: hoje, semana, mes, ano или "".
func DetectRange(text string) string {
	m := rangeRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return ""
	}
	if m[1] == "mês" {
		return RangeMonth
	}
	return m[1]
}

// ParseIndex возвращает первое целое число из текста (1-based индекс) или 0.
func ParseIndex(text string) int {
	m := indexRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
