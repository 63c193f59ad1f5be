package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Ошибки оркестратора.
var (
	// ErrFlowNotFound — flow не найден, неактивен или принадлежит другому аккаунту.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrRunNotFound — run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrNodeNotFound — node не найден или принадлежит другому run.
	ErrNodeNotFound = errors.New("node not found")
)

// Сообщения об ошибках, которые видит пользователь.
const (
	msgRunStopped  = "run stopped by user"
	msgNodeStopped = "stopped"
)

// ValidationError — некорректный payload job. Job не повторяется.
type ValidationError struct {
	Job string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s job: %v", e.Job, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransientDependencyError — временный сбой LLM, браузера или хранилища.
// Job повторяется очередью с backoff.
type TransientDependencyError struct {
	Dependency string
	Err        error
}

func (e *TransientDependencyError) Error() string {
	return fmt.Sprintf("%s temporarily unavailable: %v", e.Dependency, e.Err)
}

func (e *TransientDependencyError) Unwrap() error { return e.Err }

// StateConflictError — node или run уже в другом состоянии
// (терминальный, устаревший шаг, аренда у другого исполнителя).
// Обработчик job считает это успехом.
type StateConflictError struct {
	Entity string
	ID     uuid.UUID
	Reason string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
}

// FatalNodeError — неустранимая ошибка шага. Node переводится в error.
type FatalNodeError struct {
	Reason string
	Err    error
}

func (e *FatalNodeError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalNodeError) Unwrap() error { return e.Err }

// IsValidation проверяет, является ли ошибка ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransient проверяет, является ли ошибка TransientDependencyError.
func IsTransient(err error) bool {
	var target *TransientDependencyError
	return errors.As(err, &target)
}

// IsStateConflict проверяет, является ли ошибка StateConflictError.
func IsStateConflict(err error) bool {
	var target *StateConflictError
	return errors.As(err, &target)
}

// IsFatal проверяет, является ли ошибка FatalNodeError.
func IsFatal(err error) bool {
	var target *FatalNodeError
	return errors.As(err, &target)
}

func nodeConflict(id uuid.UUID, reason string) error {
	return &StateConflictError{Entity: "node", ID: id, Reason: reason}
}

func runConflict(id uuid.UUID, reason string) error {
	return &StateConflictError{Entity: "run", ID: id, Reason: reason}
}
