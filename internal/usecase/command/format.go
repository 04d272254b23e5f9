package command

import (
	"finance-bot/internal/domain"
	"finance-bot/internal/nlu"
)

// HelpText перечисляет поддерживаемые команды.
const HelpText = `🤖 Posso ajudar com:
• gastei 28,50 mercado #alimentacao ontem
• recebi 1200 salario #renda hoje
• resumo mês
• criar tarefa pagar água amanhã 10h
• tarefas
• concluir tarefa 2
• agenda hoje
• agendar dentista 15/05 14:30
• lembrar amanhã 9h pagar cartão`

// ApologyText отправляется, когда команда упала по внутренней причине.
const ApologyText = "😕 Desculpe, tive um problema para processar sua mensagem. Tente novamente em instantes."

var examples = map[domain.IntentKind]string{
	domain.IntentLogExpense:     "gastei 28,50 mercado #alimentacao",
	domain.IntentLogIncome:      "recebi 1200 salario #renda",
	domain.IntentReport:         "resumo mês",
	domain.IntentTaskCreate:     "criar tarefa pagar água amanhã 10h",
	domain.IntentTaskComplete:   "concluir tarefa 2",
	domain.IntentAgendaSummary:  "agenda semana",
	domain.IntentAgendaCreate:   "agendar dentista 15/05 14:30",
	domain.IntentReminderCreate: "lembrar amanhã 9h pagar cartão",
}

// guidance формирует короткую подсказку с примером команды.
func guidance(reason string, kind domain.IntentKind) string {
	msg := "🤔 " + capitalize(reason) + "."
	if ex, ok := examples[kind]; ok {
		msg += " Exemplo: " + ex
	}
	return msg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] -= 'a' - 'A'
	}
	return string(r)
}

func rangeLabel(name string) string {
	switch name {
	case nlu.RangeToday:
		return "de hoje"
	case nlu.RangeWeek:
		return "da semana"
	case nlu.RangeYear:
		return "do ano"
	default:
		return "do mês"
	}
}
