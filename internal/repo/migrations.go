package repo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations — версии схемы БД. Применяются по возрастанию версии.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL,
				task TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('active', 'inactive')),
				triggers JSONB NOT NULL DEFAULT '[]'::jsonb,
				metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);

			CREATE INDEX idx_flows_account_status ON flows(account_id, status);
			CREATE INDEX idx_flows_triggers ON flows USING GIN (triggers);

			CREATE TABLE runs (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL REFERENCES flows(id),
				account_id UUID NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('scheduled', 'running', 'waiting', 'waiting_for_children', 'completed', 'error')),
				error TEXT,
				private_data JSONB NOT NULL DEFAULT '{}'::jsonb,
				idempotency_key TEXT,
				stop_requested BOOLEAN NOT NULL DEFAULT false,
				started_at TIMESTAMPTZ,
				finished_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (flow_id, idempotency_key)
			);

			CREATE INDEX idx_runs_flow ON runs(flow_id, created_at DESC);

			CREATE TABLE nodes (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES runs(id),
				parent_node_id UUID REFERENCES nodes(id),
				agent_code TEXT NOT NULL,
				input TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('scheduled', 'running', 'waiting', 'waiting_for_children', 'completed', 'error')),
				trigger_wait TEXT,
				private_data JSONB NOT NULL DEFAULT '{}'::jsonb,
				steps INTEGER NOT NULL DEFAULT 0,
				result TEXT,
				error TEXT,
				locked_by TEXT,
				locked_until TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);

			CREATE UNIQUE INDEX idx_nodes_one_root ON nodes(run_id) WHERE parent_node_id IS NULL;
			CREATE INDEX idx_nodes_parent ON nodes(parent_node_id);
			CREATE INDEX idx_nodes_trigger_wait ON nodes(trigger_wait) WHERE trigger_wait IS NOT NULL;
			CREATE INDEX idx_nodes_status_updated ON nodes(status, updated_at);

			CREATE TABLE message_logs (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL,
				run_id UUID NOT NULL REFERENCES runs(id),
				node_id UUID REFERENCES nodes(id),
				segment TEXT NOT NULL CHECK (segment IN ('agent', 'user')),
				role TEXT NOT NULL,
				blocks JSONB NOT NULL DEFAULT '[]'::jsonb,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);

			CREATE INDEX idx_message_logs_run ON message_logs(run_id, created_at);
		`,
	}
}

// Migrate применяет недостающие миграции.
// Каждая миграция выполняется в отдельной транзакции вместе с записью в schema_migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	all := migrations()
	versions := make([]int, 0, len(all))
	for v := range all {
		versions = append(versions, v)
	}
	slices.Sort(versions)

	for _, version := range versions {
		if version <= current {
			continue
		}

		logger.Info("applying migration", "version", version)

		err := withTx(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, all[version]); err != nil {
				return fmt.Errorf("execute migration %d: %w", version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
				return fmt.Errorf("record migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	logger.Info("database schema up to date", "version", versions[len(versions)-1])
	return nil
}
