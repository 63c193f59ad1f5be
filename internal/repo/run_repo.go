package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/navigator/internal/domain"
)

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `id, flow_id, account_id, status, error, private_data, idempotency_key,
	stop_requested, started_at, finished_at, created_at`

// CreateWithRoot создаёт run и его корневой node в одной транзакции.
//
// Если run с тем же (flow_id, idempotency_key) уже существует, ничего не
// создаётся и возвращается ErrAlreadyExists.
func (r *RunRepo) CreateWithRoot(ctx context.Context, run *domain.Run, root *domain.Node) error {
	if !root.IsRoot() || root.RunID != run.ID {
		return fmt.Errorf("root node must belong to run %s and have no parent", run.ID)
	}

	dataJSON, err := json.Marshal(run.Data)
	if err != nil {
		return fmt.Errorf("marshal private_data: %w", err)
	}

	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO runs (id, flow_id, account_id, status, private_data, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (flow_id, idempotency_key) DO NOTHING
		`
		result, err := tx.Exec(ctx, query,
			run.ID,
			run.FlowID,
			run.AccountID,
			run.Status,
			dataJSON,
			nullString(run.IdempotencyKey),
			run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrAlreadyExists
		}

		return insertNode(ctx, tx, root)
	})
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает run по ключу идемпотентности.
func (r *RunRepo) GetByIdempotencyKey(ctx context.Context, flowID uuid.UUID, key string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE flow_id = $1 AND idempotency_key = $2`
	return scanRun(r.pool.QueryRow(ctx, query, flowID, key))
}

// List возвращает список runs с фильтрацией.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::uuid IS NULL OR flow_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.FlowID),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Transition атомарно переводит run из одного из статусов from в to.
// Возвращает false, если текущий статус не входит в from.
//
// started_at выставляется при первом переходе в running,
// finished_at — при переходе в терминальный статус.
func (r *RunRepo) Transition(ctx context.Context, id uuid.UUID, from []domain.Status, to domain.Status, errMsg string) (bool, error) {
	query := `
		UPDATE runs
		SET status = $3,
		    error = COALESCE($4, error),
		    started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
		    finished_at = CASE WHEN $3 IN ('completed', 'error') THEN now() ELSE finished_at END
		WHERE id = $1 AND status = ANY($2)
	`
	result, err := r.pool.Exec(ctx, query, id, statusStrings(from), to, nullString(errMsg))
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RequestStop выставляет флаг остановки.
// Возвращает false, если run уже завершён.
func (r *RunRepo) RequestStop(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE runs SET stop_requested = true WHERE id = $1 AND status NOT IN ('completed', 'error')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("request stop: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// IsStopRequested проверяет флаг остановки run.
func (r *RunRepo) IsStopRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var stop bool
	err := r.pool.QueryRow(ctx, `SELECT stop_requested FROM runs WHERE id = $1`, id).Scan(&stop)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query stop flag: %w", err)
	}
	return stop, nil
}

// UpdateData перезаписывает private_data run.
// Разрешено и для завершённых runs (дополнительные артефакты).
func (r *RunRepo) UpdateData(ctx context.Context, id uuid.UUID, data domain.RunData) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal private_data: %w", err)
	}

	result, err := r.pool.Exec(ctx, `UPDATE runs SET private_data = $2 WHERE id = $1`, id, dataJSON)
	if err != nil {
		return fmt.Errorf("update private_data: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	FlowID *uuid.UUID
	Status domain.Status
	Limit  int
	Offset int
}

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var dataJSON []byte
	var idempotencyKey *string
	var runError *string

	err := row.Scan(
		&run.ID,
		&run.FlowID,
		&run.AccountID,
		&run.Status,
		&runError,
		&dataJSON,
		&idempotencyKey,
		&run.StopRequested,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(dataJSON, &run.Data); err != nil {
		return nil, fmt.Errorf("unmarshal private_data: %w", err)
	}
	if idempotencyKey != nil {
		run.IdempotencyKey = *idempotencyKey
	}
	if runError != nil {
		run.Error = *runError
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

// statusStrings конвертирует статусы в []string для параметра text[].
func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
