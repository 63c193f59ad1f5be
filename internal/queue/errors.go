package queue

import "errors"

// Ошибки очередей.
var (
	// ErrUnknownQueue — очередь не зарегистрирована.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrRepeatUnsupported — повторяющиеся job требуют Repeater.
	ErrRepeatUnsupported = errors.New("repeating jobs require a repeater")

	// ErrNoHandler — для job нет обработчика.
	ErrNoHandler = errors.New("no handler for job")
)

// permanentError — ошибка, которую не имеет смысла повторять.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка (или любая в её цепочке)
// как неповторяемая методом Permanent() bool.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
