package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run — один запуск flow.
//
// Run создаётся при обработке job create-run:
// - Пользователь запускает flow вручную
// - Event Dispatcher находит flow по trigger-выражению
//
// Статус run зеркалирует статус корневого node. После completed/error run
// неизменяем, кроме дополнительных артефактов в Data (например, gifUrl).
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// FlowID — flow, который исполняется.
	FlowID uuid.UUID `json:"flow_id"`

	// AccountID — владелец run (совпадает с владельцем flow).
	AccountID uuid.UUID `json:"account_id"`

	// Status — текущий статус.
	Status Status `json:"status"`

	// Error — человекочитаемое описание ошибки, если Status = error.
	Error string `json:"error,omitempty"`

	// Data — runs.private_data.
	Data RunData `json:"private_data"`

	// IdempotencyKey — ключ job create-run, из которого создан run.
	// Повторная доставка того же job возвращает существующий run.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// StopRequested — кооперативный флаг остановки.
	StopRequested bool `json:"stop_requested,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsFinished возвращает true, если run завершён.
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// RunData — схема runs.private_data.
type RunData struct {
	// UserID — пользователь, инициировавший запуск.
	UserID string `json:"userId,omitempty"`

	// Input — исходный ввод пользователя.
	Input string `json:"input,omitempty"`

	// TriggerType — manual, event или schedule.
	TriggerType TriggerType `json:"triggerType,omitempty"`

	// TriggerInput — описание события, вызвавшего запуск.
	TriggerInput string `json:"triggerInput,omitempty"`

	// GifURL — ссылка на GIF из скриншотов (заполняется после завершения).
	GifURL string `json:"gifUrl,omitempty"`

	// Summary — итог выполнения корневого node.
	Summary string `json:"summary,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type runDataFields RunData

// MarshalJSON сериализует известные поля и сохраняет неизвестные.
func (d RunData) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(runDataFields(d), d.Extra)
}

// UnmarshalJSON разбирает известные поля, остальное уходит в Extra.
func (d *RunData) UnmarshalJSON(data []byte) error {
	var fields runDataFields
	extra, err := decodeWithExtra(data, &fields,
		"userId", "input", "triggerType", "triggerInput", "gifUrl", "summary")
	if err != nil {
		return err
	}
	*d = RunData(fields)
	d.Extra = extra
	return nil
}
