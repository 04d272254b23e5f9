package domain

// IntentKind — класс намерения входящего сообщения.
type IntentKind string

const (
	IntentLogExpense     IntentKind = "LOG_EXPENSE"
	IntentLogIncome      IntentKind = "LOG_INCOME"
	IntentReport         IntentKind = "REPORT"
	IntentTaskCreate     IntentKind = "TASK_CREATE"
	IntentTaskList       IntentKind = "TASK_LIST"
	IntentTaskComplete   IntentKind = "TASK_COMPLETE"
	IntentAgendaSummary  IntentKind = "AGENDA_SUMMARY"
	IntentAgendaCreate   IntentKind = "AGENDA_CREATE"
	IntentReminderCreate IntentKind = "REMINDER_CREATE"
	IntentHelp           IntentKind = "HELP"
)

// Intent — результат классификации. Range заполняется для REPORT и AGENDA_SUMMARY,
// Index (с единицы, 0 если не указан) для TASK_COMPLETE.
type Intent struct {
	Kind  IntentKind
	Range string
	Index int
}
