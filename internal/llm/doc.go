// Package llm — клиент сервиса решений (OpenAI-совместимый chat completions
// с вызовом функций).
//
// Обёртки:
//   - RetryingClient    — повтор временных ошибок с backoff
//   - RateLimitedClient — лимит запросов на аккаунт
package llm
