package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/navigator/internal/domain"
)

// MessageRepo — журнал сообщений runs (только добавление).
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo создаёт новый MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// Append добавляет запись в журнал.
func (r *MessageRepo) Append(ctx context.Context, msg *domain.MessageLog) error {
	blocksJSON, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("marshal blocks: %w", err)
	}

	query := `
		INSERT INTO message_logs (id, flow_id, run_id, node_id, segment, role, blocks, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		msg.ID,
		msg.FlowID,
		msg.RunID,
		msg.NodeID,
		msg.Segment,
		msg.Role,
		blocksJSON,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListByRun возвращает сообщения run в хронологическом порядке.
// Пустой segment — все сегменты.
func (r *MessageRepo) ListByRun(ctx context.Context, runID uuid.UUID, segment domain.Segment) ([]domain.MessageLog, error) {
	query := `
		SELECT id, flow_id, run_id, node_id, segment, role, blocks, created_at
		FROM message_logs
		WHERE run_id = $1 AND ($2::text IS NULL OR segment = $2)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, runID, nullString(string(segment)))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.MessageLog
	for rows.Next() {
		var msg domain.MessageLog
		var blocksJSON []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.FlowID,
			&msg.RunID,
			&msg.NodeID,
			&msg.Segment,
			&msg.Role,
			&blocksJSON,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(blocksJSON, &msg.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
