package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TriggerKind — вид trigger-выражения.
type TriggerKind string

const (
	// TriggerEventOnce — одноразовое событие: "event.once|<id>|".
	TriggerEventOnce TriggerKind = "event.once"

	// TriggerEventEvery — повторяющееся событие: "event.every|<id>|".
	TriggerEventEvery TriggerKind = "event.every"

	// TriggerUserInput — ожидание ответа пользователя: "user_input|<nodeId>|".
	TriggerUserInput TriggerKind = "user_input"
)

// Trigger — разобранное trigger-выражение.
//
// Trigger-выражения — ключ соединения между внешними событиями и
// flows (Flow.Triggers) или node (Node.TriggerWait).
type Trigger struct {
	Kind TriggerKind
	ID   string
}

// String форматирует trigger в каноническую строку "<kind>|<id>|".
func (t Trigger) String() string {
	return string(t.Kind) + "|" + t.ID + "|"
}

// IsEvent возвращает true для event.once и event.every.
func (t Trigger) IsEvent() bool {
	return t.Kind == TriggerEventOnce || t.Kind == TriggerEventEvery
}

// EventOnce создаёт trigger event.once для события.
func EventOnce(eventID string) Trigger {
	return Trigger{Kind: TriggerEventOnce, ID: eventID}
}

// EventEvery создаёт trigger event.every для события.
func EventEvery(eventID string) Trigger {
	return Trigger{Kind: TriggerEventEvery, ID: eventID}
}

// UserInput создаёт trigger ожидания ввода пользователя для node.
func UserInput(nodeID uuid.UUID) Trigger {
	return Trigger{Kind: TriggerUserInput, ID: nodeID.String()}
}

// ParseTrigger разбирает строку "<kind>|<id>|".
func ParseTrigger(s string) (Trigger, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[2] != "" {
		return Trigger{}, fmt.Errorf("malformed trigger %q", s)
	}

	kind := TriggerKind(parts[0])
	switch kind {
	case TriggerEventOnce, TriggerEventEvery, TriggerUserInput:
	default:
		return Trigger{}, fmt.Errorf("unknown trigger kind %q", parts[0])
	}

	if parts[1] == "" {
		return Trigger{}, fmt.Errorf("trigger %q has empty id", s)
	}

	return Trigger{Kind: kind, ID: parts[1]}, nil
}

// TriggerType — источник запуска run.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeSchedule TriggerType = "schedule"
)
