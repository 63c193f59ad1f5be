package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/navigator/internal/domain"
)

// NodeRepo — репозиторий для работы с node.
//
// Все переходы статусов — условные UPDATE (compare-and-swap):
// запись происходит только если текущий статус совпадает с ожидаемым.
// Ноль затронутых строк означает конфликт, а не ошибку БД.
type NodeRepo struct {
	pool *pgxpool.Pool
}

// NewNodeRepo создаёт новый NodeRepo.
func NewNodeRepo(pool *pgxpool.Pool) *NodeRepo {
	return &NodeRepo{pool: pool}
}

const nodeColumns = `id, run_id, parent_node_id, agent_code, input, status, trigger_wait,
	private_data, steps, result, error, locked_by, locked_until, created_at, updated_at`

// GetByID возвращает node по ID.
func (r *NodeRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	return scanNode(r.pool.QueryRow(ctx, query, id))
}

// GetRoot возвращает корневой node run.
func (r *NodeRepo) GetRoot(ctx context.Context, runID uuid.UUID) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE run_id = $1 AND parent_node_id IS NULL`
	return scanNode(r.pool.QueryRow(ctx, query, runID))
}

// ListByRun возвращает все node run в порядке создания.
func (r *NodeRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE run_id = $1 ORDER BY created_at ASC, id ASC`
	return r.queryNodes(ctx, query, runID)
}

// ListChildren возвращает прямых потомков node.
func (r *NodeRepo) ListChildren(ctx context.Context, parentID uuid.UUID) ([]domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE parent_node_id = $1 ORDER BY created_at ASC, id ASC`
	return r.queryNodes(ctx, query, parentID)
}

// Ancestors возвращает цепочку предков node от корня до непосредственного родителя.
func (r *NodeRepo) Ancestors(ctx context.Context, nodeID uuid.UUID) ([]domain.Node, error) {
	query := `
		WITH RECURSIVE chain AS (
			SELECT n.*, 0 AS depth FROM nodes n
			WHERE n.id = (SELECT parent_node_id FROM nodes WHERE id = $1)
			UNION ALL
			SELECT p.*, c.depth + 1 FROM nodes p
			JOIN chain c ON p.id = c.parent_node_id
		)
		SELECT ` + nodeColumns + ` FROM chain ORDER BY depth DESC
	`
	return r.queryNodes(ctx, query, nodeID)
}

// CountActiveChildren возвращает количество нетерминальных потомков node.
func (r *NodeRepo) CountActiveChildren(ctx context.Context, parentID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM nodes WHERE parent_node_id = $1 AND status NOT IN ('completed', 'error')`,
		parentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active children: %w", err)
	}
	return count, nil
}

// Claim берёт аренду node для owner на ttl.
//
// Условия: статус входит в allowed, аренда свободна или истекла.
// owner уникален для каждого шага, поэтому повторный Claim того же
// процесса тоже получает ErrConflict. Статус переводится в running.
// Возвращает ErrConflict, если условия не выполнены.
func (r *NodeRepo) Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, allowed []domain.Status) (*domain.Node, error) {
	query := `
		UPDATE nodes
		SET status = 'running',
		    locked_by = $2,
		    locked_until = now() + $3::interval,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($4)
		  AND (locked_until IS NULL OR locked_until < now())
		RETURNING ` + nodeColumns
	node, err := scanNode(r.pool.QueryRow(ctx, query, id, owner, ttl, statusStrings(allowed)))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	return node, err
}

// Release снимает аренду owner с node, не меняя статус.
func (r *NodeRepo) Release(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE nodes SET locked_by = NULL, locked_until = NULL WHERE id = $1 AND locked_by = $2`,
		id, owner,
	)
	if err != nil {
		return fmt.Errorf("release node: %w", err)
	}
	return nil
}

// Transition атомарно переводит node из одного из статусов from в to.
// Возвращает false, если текущий статус не входит в from, и
// domain.ErrInvalidTransition, если переход не разрешён таблицей статусов.
func (r *NodeRepo) Transition(ctx context.Context, id uuid.UUID, from []domain.Status, to domain.Status) (bool, error) {
	if err := domain.CheckTransition(from, to); err != nil {
		return false, err
	}

	result, err := r.pool.Exec(ctx,
		`UPDATE nodes SET status = $3, updated_at = now() WHERE id = $1 AND status = ANY($2)`,
		id, statusStrings(from), to,
	)
	if err != nil {
		return false, fmt.Errorf("transition node: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Finish переводит node в completed или error из статусов, допускающих
// такой переход (domain.PredecessorsOf), снимает аренду и trigger_wait.
func (r *NodeRepo) Finish(ctx context.Context, id uuid.UUID, status domain.Status, result, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish node with non-terminal status %q", status)
	}

	res, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET status = $2, result = $3, error = $4,
		    trigger_wait = NULL, locked_by = NULL, locked_until = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($5)
	`, id, status, nullString(result), nullString(errMsg), statusStrings(domain.PredecessorsOf(status)))
	if err != nil {
		return false, fmt.Errorf("finish node: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

// Park переводит running node, арендованный owner, в waiting с trigger_wait.
// Счётчик шагов увеличивается, аренда снимается.
func (r *NodeRepo) Park(ctx context.Context, id uuid.UUID, owner, triggerWait string) (bool, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET status = 'waiting', trigger_wait = $3, steps = steps + 1,
		    locked_by = NULL, locked_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, id, owner, triggerWait)
	if err != nil {
		return false, fmt.Errorf("park node: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

// Resume переводит waiting node run с заданным trigger_wait обратно в running.
// Возвращает node после обновления или ErrConflict, в том числе если
// node принадлежит другому run.
func (r *NodeRepo) Resume(ctx context.Context, runID, id uuid.UUID, triggerWait string) (*domain.Node, error) {
	query := `
		UPDATE nodes
		SET status = 'running', trigger_wait = NULL, updated_at = now()
		WHERE id = $1 AND run_id = $2 AND status = 'waiting' AND trigger_wait = $3
		RETURNING ` + nodeColumns
	node, err := scanNode(r.pool.QueryRow(ctx, query, id, runID, triggerWait))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	return node, err
}

// Yield завершает шаг running node: steps = step + 1, аренда снимается.
// Срабатывает только если steps всё ещё равен step и аренда у owner.
func (r *NodeRepo) Yield(ctx context.Context, id uuid.UUID, owner string, step int) (bool, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET steps = steps + 1, locked_by = NULL, locked_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2 AND steps = $3
	`, id, owner, step)
	if err != nil {
		return false, fmt.Errorf("yield node: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

// Decompose атомарно создаёт дочерние node и переводит родителя
// из running в waiting_for_children.
//
// Если родитель уже не running или аренда не у owner, ничего не создаётся
// и возвращается false.
func (r *NodeRepo) Decompose(ctx context.Context, parentID uuid.UUID, owner string, children []*domain.Node) (bool, error) {
	var ok bool
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE nodes
			SET status = 'waiting_for_children', steps = steps + 1,
			    locked_by = NULL, locked_until = NULL, updated_at = now()
			WHERE id = $1 AND status = 'running' AND locked_by = $2
		`, parentID, owner)
		if err != nil {
			return fmt.Errorf("mark parent waiting_for_children: %w", err)
		}
		if res.RowsAffected() == 0 {
			return nil
		}

		for _, child := range children {
			if child.ParentNodeID == nil || *child.ParentNodeID != parentID {
				return fmt.Errorf("child %s does not reference parent %s", child.ID, parentID)
			}
			if err := insertNode(ctx, tx, child); err != nil {
				return err
			}
		}

		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// StopIdle переводит простаивающие node run (domain.IdleStatuses) в error.
// Возвращает затронутые node.
func (r *NodeRepo) StopIdle(ctx context.Context, runID uuid.UUID, errMsg string) ([]domain.Node, error) {
	query := `
		UPDATE nodes
		SET status = 'error', error = $2, trigger_wait = NULL,
		    locked_by = NULL, locked_until = NULL, updated_at = now()
		WHERE run_id = $1 AND status = ANY($3)
		RETURNING ` + nodeColumns
	return r.queryNodes(ctx, query, runID, errMsg, statusStrings(domain.IdleStatuses))
}

// ListWaitingFor возвращает node, ожидающие trigger-выражения.
func (r *NodeRepo) ListWaitingFor(ctx context.Context, triggerWait string) ([]domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE trigger_wait = $1 ORDER BY created_at ASC`
	return r.queryNodes(ctx, query, triggerWait)
}

// ListStalled возвращает node в scheduled/running без активной аренды,
// не обновлявшиеся дольше olderThan. Кандидаты на повторную постановку в очередь.
func (r *NodeRepo) ListStalled(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes
		WHERE status IN ('scheduled', 'running')
		  AND updated_at < now() - $1::interval
		  AND (locked_until IS NULL OR locked_until < now())
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.queryNodes(ctx, query, olderThan, limit)
}

// ListJoinable возвращает node в waiting_for_children, у которых все потомки
// завершены. Такое состояние означает потерянный join.
func (r *NodeRepo) ListJoinable(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes p
		WHERE p.status = 'waiting_for_children'
		  AND p.updated_at < now() - $1::interval
		  AND NOT EXISTS (
			SELECT 1 FROM nodes c
			WHERE c.parent_node_id = p.id AND c.status NOT IN ('completed', 'error')
		  )
		ORDER BY p.updated_at ASC
		LIMIT $2
	`
	return r.queryNodes(ctx, query, olderThan, limit)
}

// --- Helpers ---

func (r *NodeRepo) queryNodes(ctx context.Context, query string, args ...any) ([]domain.Node, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// insertNode вставляет node в рамках транзакции.
func insertNode(ctx context.Context, tx pgx.Tx, node *domain.Node) error {
	dataJSON, err := json.Marshal(node.Data)
	if err != nil {
		return fmt.Errorf("marshal node private_data: %w", err)
	}

	query := `
		INSERT INTO nodes (id, run_id, parent_node_id, agent_code, input, status, trigger_wait,
		                   private_data, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`
	_, err = tx.Exec(ctx, query,
		node.ID,
		node.RunID,
		node.ParentNodeID,
		node.AgentCode,
		node.Input,
		node.Status,
		nullString(node.TriggerWait),
		dataJSON,
		node.Steps,
		node.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// scanNode сканирует одну строку в Node.
func scanNode(row pgx.Row) (*domain.Node, error) {
	var node domain.Node
	var dataJSON []byte
	var triggerWait, result, nodeError, lockedBy *string

	err := row.Scan(
		&node.ID,
		&node.RunID,
		&node.ParentNodeID,
		&node.AgentCode,
		&node.Input,
		&node.Status,
		&triggerWait,
		&dataJSON,
		&node.Steps,
		&result,
		&nodeError,
		&lockedBy,
		&node.LockedUntil,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}

	if err := json.Unmarshal(dataJSON, &node.Data); err != nil {
		return nil, fmt.Errorf("unmarshal node private_data: %w", err)
	}
	if triggerWait != nil {
		node.TriggerWait = *triggerWait
	}
	if result != nil {
		node.Result = *result
	}
	if nodeError != nil {
		node.Error = *nodeError
	}
	if lockedBy != nil {
		node.LockedBy = *lockedBy
	}

	return &node, nil
}
