// Package telemetry — логи, метрики и трейсы процессов navigator.
//
//   - logging.go — slog (json/text), логгер в context с trace_id
//   - metrics.go — Prometheus: job, node, runs, LLM, браузер, события, HTTP
//   - tracing.go — OpenTelemetry, экспорт OTLP/HTTP при заданном endpoint
package telemetry
