// Package queue реализует именованные очереди job поверх сменного транспорта.
//
// Структура:
//   - queue.go    — Name, Options, Job, Handler, интерфейсы Enqueuer и Backend
//   - client.go   — Client (одна очередь) и Registry (все очереди)
//   - ledger.go   — дедупликация по JobID (Redis или память)
//   - repeater.go — повторяющиеся job (cron "@every")
//   - worker.go   — потребление, retry с backoff, dead-letter
//   - memory.go   — in-memory транспорт на watermill GoChannel
//
// RabbitMQ транспорт находится в пакете mq.
//
// Очереди:
//   - base, agent, integrations, flow, vector, browser
package queue
