// Package dispatcher маршрутизирует внешние события к flows и node.
//
// Событие (id + данные) приходит job integrations:process-event.
// Dispatcher находит:
//   - активные flows аккаунта с trigger event.once|<id>| или event.every|<id>|
//     и ставит для каждого job flow:create-run
//   - node, ждущие event.once|<id>|, и ставит для каждого job
//     agent:process-trigger с ключом <runId>-<nodeId>-process-trigger
//
// Dispatcher только ставит job и никогда не меняет строки БД:
// переходы статусов выполняет orchestrator.
package dispatcher
