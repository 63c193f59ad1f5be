// Package app собирает общие зависимости процессов navigator:
// конфигурацию, логгер, трейсинг, пул Postgres, транспорт очередей
// (RabbitMQ или память), ledger JobID (Redis или память) и HTTP-сервер
// с /healthz и /metrics.
package app
