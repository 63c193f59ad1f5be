// Package orchestrator управляет выполнением runs.
//
// Orchestrator отвечает за:
//   - Создание run и корневого node из job create-run
//   - Продвижение node по одному шагу решения агента (advance-node)
//   - Разбиение node на дочерние и join после их завершения
//   - Ожидание событий и ответов пользователя (trigger_wait)
//   - Зеркалирование статуса корневого node на run
//   - Кооперативную остановку run
//
// Состояние хранится только в БД. Каждый переход статуса — условный
// UPDATE, поэтому повторная или параллельная доставка одного job
// не меняет результат.
package orchestrator
