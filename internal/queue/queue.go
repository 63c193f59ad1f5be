package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Name — имя очереди.
type Name string

// Именованные очереди.
const (
	Base         Name = "base"
	Agent        Name = "agent"
	Integrations Name = "integrations"
	Flow         Name = "flow"
	Vector       Name = "vector"
	Browser      Name = "browser"
)

// Names возвращает все известные очереди.
func Names() []Name {
	return []Name{Base, Agent, Integrations, Flow, Vector, Browser}
}

// Options — параметры добавления job.
type Options struct {
	// JobID — ключ дедупликации. Пока job с тем же JobID существует
	// (не удалён по RemoveOnComplete/RemoveOnFail и не истёк срок хранения),
	// повторное добавление игнорируется.
	JobID string `json:"jobId,omitempty"`

	// Delay — задержка перед первой доставкой.
	Delay time.Duration `json:"delay,omitempty"`

	// RepeatEvery — интервал повторения. Такие job регистрируются в Repeater.
	RepeatEvery time.Duration `json:"repeatEvery,omitempty"`

	// Attempts — максимум попыток (включая первую). 0 — значение worker по умолчанию.
	Attempts int `json:"attempts,omitempty"`

	// Backoff — начальная задержка между попытками (растёт экспоненциально).
	Backoff time.Duration `json:"backoff,omitempty"`

	// RemoveOnComplete — освободить JobID сразу после успешной обработки.
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`

	// RemoveOnFail — освободить JobID после окончательной ошибки.
	RemoveOnFail bool `json:"removeOnFail,omitempty"`
}

// Job — единица работы в очереди.
type Job struct {
	// ID — идентификатор job (Options.JobID или сгенерированный).
	ID string `json:"id"`

	Queue Name   `json:"queue"`
	Name  string `json:"name"`

	// Data — payload job.
	Data json.RawMessage `json:"data"`

	// Attempt — номер попытки, начиная с 0.
	Attempt int `json:"attempt"`

	Options   Options   `json:"options"`
	Timestamp time.Time `json:"timestamp"`

	// NotBefore — время, раньше которого job не обрабатывается.
	// Транспорт без точных задержек доставляет job повторно, пока срок не наступит.
	NotBefore time.Time `json:"notBefore,omitempty"`
}

// Decode разбирает Data в v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s payload: %w", j.Queue, j.Name, err)
	}
	return nil
}

// Handler — обработчик job.
//
// Ошибка приводит к повтору с backoff. Ошибка, помеченная Permanent,
// сразу отправляет job в dead-letter.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer — добавление job в именованные очереди.
// Реализуется Registry; потребители зависят от интерфейса.
type Enqueuer interface {
	Add(ctx context.Context, queue Name, name string, data any, opts Options) (bool, error)
}

// Backend — транспорт очередей (RabbitMQ или in-memory).
type Backend interface {
	// Publish доставляет job в очередь после delay.
	Publish(ctx context.Context, job *Job, delay time.Duration) error

	// Consume обрабатывает job очереди в concurrency горутинах до отмены ctx.
	// Ошибка fn означает сбой инфраструктуры: job возвращается в очередь.
	Consume(ctx context.Context, queue Name, concurrency int, fn func(ctx context.Context, job *Job) error) error

	// DeadLetter сохраняет job, исчерпавший попытки, для разбора оператором.
	DeadLetter(ctx context.Context, job *Job, reason string) error
}
