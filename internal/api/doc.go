// Package api содержит HTTP API сервер navigator.
//
// Структура:
//   - handler.go       — Handler с DI (хранилища, очередь, logger)
//   - routes.go        — регистрация маршрутов
//   - middleware.go    — middleware (logging, metrics, tracing, recovery)
//   - response.go      — унифицированные JSON-ответы и обработка ошибок
//   - dto.go           — Data Transfer Objects (request/response)
//   - flow_handler.go  — обработчики для /flows
//   - run_handler.go   — обработчики для /runs
//   - event_handler.go — приём событий интеграций
//
// API не меняет runs и node напрямую. Создание, остановка, ввод
// пользователя и GIF ставятся в очереди job с детерминированным JobID,
// поэтому повтор запроса не порождает повторной работы.
package api
