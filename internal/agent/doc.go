// Package agent содержит агентов, принимающих решения для node.
//
// Агент получает состояние node (задача flow, предки, итоги детей,
// сообщения run) и возвращает одно решение — вызов инструмента:
//
//	doAction        — выполнить действие в браузере или fetch
//	skipSection     — пропустить задачу с причиной
//	actionCompleted — задача выполнена
//	createSubtasks  — разбить задачу на дочерние node
//	askUserForInput — задать вопрос пользователю и ждать ответа
//	triggerWait     — ждать внешнего события
//
// Агенты регистрируются в Registry по agent_code.
package agent
