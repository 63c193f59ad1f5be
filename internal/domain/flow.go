package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Flow — пользовательская задача браузерной автоматизации.
//
// Flow — это описание "что сделать" на естественном языке.
// Каждый запуск (Run) исполняет task агентом через дерево node.
// Flow никогда не удаляется физически: архивирование — это status + metadata.
type Flow struct {
	// ID — уникальный идентификатор flow.
	ID uuid.UUID `json:"id"`

	// AccountID — владелец flow.
	AccountID uuid.UUID `json:"account_id"`

	// Task — описание задачи на естественном языке.
	Task string `json:"task"`

	// Status — active или inactive.
	Status FlowStatus `json:"status"`

	// Triggers — trigger-выражения, на которые flow создаёт новые runs.
	// Например: "event.once|evt-1|", "event.every|new-email|".
	Triggers []string `json:"triggers"`

	// Metadata — служебные данные flow.
	Metadata FlowMeta `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive возвращает true, если flow может запускаться.
func (f *Flow) IsActive() bool {
	return f.Status == FlowStatusActive && !f.Metadata.Archived
}

// HasTrigger проверяет, зарегистрирован ли trigger у flow.
func (f *Flow) HasTrigger(t Trigger) bool {
	return slices.Contains(f.Triggers, t.String())
}

// FlowMeta — схема flows.metadata.
type FlowMeta struct {
	// CreatorStatus — статус генерации flow ассистентом ("draft", "ready", ...).
	CreatorStatus string `json:"creatorStatus,omitempty"`

	// Archived — flow архивирован пользователем.
	Archived bool `json:"archived,omitempty"`

	// GeneratedFlowID — flow, из которого был сгенерирован этот.
	GeneratedFlowID *uuid.UUID `json:"generatedFlowId,omitempty"`

	// Extra — ключи, неизвестные схеме.
	Extra map[string]json.RawMessage `json:"-"`
}

type flowMetaFields FlowMeta

// MarshalJSON сериализует известные поля и сохраняет неизвестные.
func (m FlowMeta) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(flowMetaFields(m), m.Extra)
}

// UnmarshalJSON разбирает известные поля, остальное уходит в Extra.
func (m *FlowMeta) UnmarshalJSON(data []byte) error {
	var fields flowMetaFields
	extra, err := decodeWithExtra(data, &fields, "creatorStatus", "archived", "generatedFlowId")
	if err != nil {
		return err
	}
	*m = FlowMeta(fields)
	m.Extra = extra
	return nil
}
