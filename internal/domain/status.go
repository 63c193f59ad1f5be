package domain

import (
	"errors"
	"fmt"
	"slices"
)

// Status — статус run или node.
//
// Жизненный цикл node:
//
//	scheduled → running → waiting (trigger_wait)      → running
//	                    → waiting_for_children         → running (последний child завершён)
//	                    → completed
//	                    → error
//
// Run использует тот же словарь, но без waiting_for_children:
// статус корневого node зеркалируется на run.
type Status string

const (
	// StatusScheduled — создан, ещё не начал выполняться.
	StatusScheduled Status = "scheduled"

	// StatusRunning — выполняется.
	StatusRunning Status = "running"

	// StatusWaiting — ждёт внешнего события или ввода пользователя (trigger_wait).
	StatusWaiting Status = "waiting"

	// StatusWaitingForChildren — ждёт завершения дочерних node.
	StatusWaitingForChildren Status = "waiting_for_children"

	// StatusCompleted — успешно завершён.
	StatusCompleted Status = "completed"

	// StatusError — завершён с ошибкой (в том числе остановлен пользователем).
	StatusError Status = "error"
)

// ReportedStatusAskUserForInput — псевдо-статус для UI: run ждёт ответа пользователя.
// В БД никогда не хранится.
const ReportedStatusAskUserForInput = "ask_user_for_input"

// IsTerminal возвращает true для completed и error.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IdleStatuses — статусы node, которые в данный момент не выполняет ни один job.
// Такие node можно сразу перевести в error при остановке run.
var IdleStatuses = []Status{StatusScheduled, StatusWaiting}

// IsIdle возвращает true для статусов из IdleStatuses.
func (s Status) IsIdle() bool {
	return slices.Contains(IdleStatuses, s)
}

// Valid проверяет, что статус из известного словаря.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusWaiting, StatusWaitingForChildren, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// nodeTransitions — допустимые переходы node. running → scheduled запрещён.
var nodeTransitions = map[Status][]Status{
	StatusScheduled:          {StatusRunning, StatusError},
	StatusRunning:            {StatusWaiting, StatusWaitingForChildren, StatusCompleted, StatusError},
	StatusWaiting:            {StatusRunning, StatusError},
	StatusWaitingForChildren: {StatusRunning, StatusError},
}

// CanTransitionTo проверяет, разрешён ли переход node из s в next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range nodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PredecessorsOf возвращает статусы, из которых node может перейти в target.
// NodeRepo.Finish использует его как условие CAS (WHERE status = ANY(...)).
func PredecessorsOf(target Status) []Status {
	var from []Status
	for _, s := range []Status{StatusScheduled, StatusRunning, StatusWaiting, StatusWaitingForChildren} {
		if s.CanTransitionTo(target) {
			from = append(from, s)
		}
	}
	return from
}

// ErrInvalidTransition — переход node не входит в таблицу допустимых.
var ErrInvalidTransition = errors.New("invalid node status transition")

// CheckTransition проверяет, что из каждого статуса from разрешён переход в to.
func CheckTransition(from []Status, to Status) error {
	for _, s := range from {
		if !s.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
		}
	}
	return nil
}

// ParseStatus парсит строку в Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// FlowStatus — статус flow.
type FlowStatus string

const (
	// FlowStatusActive — flow принимает запуски и триггеры.
	FlowStatusActive FlowStatus = "active"

	// FlowStatusInactive — flow выключен (архивирован или остановлен).
	FlowStatusInactive FlowStatus = "inactive"
)

// FailurePolicy — как родительский node реагирует на ошибку child.
type FailurePolicy string

const (
	// FailurePolicyFailFast — любая ошибка child переводит родителя в error (по умолчанию).
	FailurePolicyFailFast FailurePolicy = "fail_fast"

	// FailurePolicyTolerate — родитель продолжает выполнение с частичными результатами.
	FailurePolicyTolerate FailurePolicy = "tolerate"
)

// OrDefault возвращает fail_fast для пустой политики.
func (p FailurePolicy) OrDefault() FailurePolicy {
	if p == "" {
		return FailurePolicyFailFast
	}
	return p
}
