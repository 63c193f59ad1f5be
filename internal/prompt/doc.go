// Package prompt рендерит запрос к агенту из состояния node.
//
// Шаблоны — Go text/template с контекстом:
//
//	{{ .Task }}                  — задача flow
//	{{ .Input }}                 — задача текущего node
//	{{ range .Ancestors }}       — цепочка предков от корня
//	{{ range .Children }}        — итоги дочерних node после join
//	{{ range .History }}         — сообщения run
//	{{ .Step }} / {{ .MaxSteps }}
//
// Текст промптов не фиксирован: DefaultTemplate — минимальный вариант,
// агенты могут передать свои шаблоны через Parse.
package prompt
