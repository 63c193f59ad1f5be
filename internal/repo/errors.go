package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict — условное обновление не затронуло ни одной строки:
	// статус или владелец записи изменились конкурентно.
	ErrConflict = errors.New("state conflict")
)
