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

// FlowRepo — репозиторий для работы с flows.
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

const flowColumns = `id, account_id, task, status, triggers, metadata, created_at, updated_at`

// Create создаёт новый flow.
func (r *FlowRepo) Create(ctx context.Context, flow *domain.Flow) error {
	triggersJSON, err := marshalTriggers(flow.Triggers)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(flow.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO flows (id, account_id, task, status, triggers, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		flow.ID,
		flow.AccountID,
		flow.Task,
		flow.Status,
		triggersJSON,
		metaJSON,
		flow.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// GetByID возвращает flow по ID.
func (r *FlowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1`
	return scanFlow(r.pool.QueryRow(ctx, query, id))
}

// ListActiveByTriggers возвращает активные flows аккаунта, у которых
// есть хотя бы одно из trigger-выражений.
func (r *FlowRepo) ListActiveByTriggers(ctx context.Context, accountID uuid.UUID, triggers []string) ([]domain.Flow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM flows
		WHERE account_id = $1
		  AND status = 'active'
		  AND triggers ?| $2
		  AND COALESCE((metadata->>'archived')::boolean, false) = false
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, accountID, triggers)
	if err != nil {
		return nil, fmt.Errorf("list flows by triggers: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, rows.Err()
}

// FlowFilter — параметры фильтрации flows.
type FlowFilter struct {
	AccountID *uuid.UUID
	Status    domain.FlowStatus
	Limit     int
	Offset    int
}

// List возвращает flows с фильтрацией, новые первыми.
func (r *FlowRepo) List(ctx context.Context, filter FlowFilter) ([]domain.Flow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + flowColumns + `
		FROM flows
		WHERE ($1::uuid IS NULL OR account_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.AccountID),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, rows.Err()
}

// Update перезаписывает task, triggers, status и metadata flow.
func (r *FlowRepo) Update(ctx context.Context, flow *domain.Flow) error {
	triggersJSON, err := marshalTriggers(flow.Triggers)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(flow.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		UPDATE flows
		SET task = $2, triggers = $3, status = $4, metadata = $5, updated_at = now()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, flow.ID, flow.Task, triggersJSON, flow.Status, metaJSON)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus меняет статус flow.
func (r *FlowRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.FlowStatus) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE flows SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update flow status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMetadata перезаписывает metadata flow.
func (r *FlowRepo) UpdateMetadata(ctx context.Context, id uuid.UUID, meta domain.FlowMeta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	result, err := r.pool.Exec(ctx,
		`UPDATE flows SET metadata = $2, updated_at = now() WHERE id = $1`,
		id, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("update flow metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanFlow сканирует одну строку в Flow.
func scanFlow(row pgx.Row) (*domain.Flow, error) {
	var flow domain.Flow
	var triggersJSON, metaJSON []byte

	err := row.Scan(
		&flow.ID,
		&flow.AccountID,
		&flow.Task,
		&flow.Status,
		&triggersJSON,
		&metaJSON,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow: %w", err)
	}

	if triggersJSON != nil {
		if err := json.Unmarshal(triggersJSON, &flow.Triggers); err != nil {
			return nil, fmt.Errorf("unmarshal triggers: %w", err)
		}
	}
	if err := json.Unmarshal(metaJSON, &flow.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return &flow, nil
}

func marshalTriggers(triggers []string) ([]byte, error) {
	if triggers == nil {
		triggers = []string{}
	}
	for _, t := range triggers {
		if _, err := domain.ParseTrigger(t); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(triggers)
	if err != nil {
		return nil, fmt.Errorf("marshal triggers: %w", err)
	}
	return data, nil
}
