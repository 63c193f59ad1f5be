// Package cli реализует инструмент командной строки navigator.
//
// CLI работает только через HTTP API и не импортирует внутренние
// пакеты сервиса.
//
// Client оборачивает запросы к API и разбирает ответы
// (DataResponse, ListResponse, ErrorResponse); ошибки API возвращаются
// как *APIError. Запуск run асинхронный: API отвечает 202 с JobID,
// а WaitForRun опрашивает GET /flows/{id}/jobs/{jobId}/run, пока
// оркестратор не создаст run.
//
// Output печатает таблицы (text/tabwriter) или JSON (--json).
// Данные идут в stdout, сообщения в stderr.
//
// Команды по ресурсам:
//   - flow: list, create, show, update, archive
//   - run: list, start, show, stop, input, gif, messages
//   - event: send
//
// Группы создаются фабриками (NewFlowCmd и т.д.), принимающими clientFn
// и outputFn, чтобы Client и Output создавались после разбора PersistentFlags.
package cli
