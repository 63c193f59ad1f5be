// Package actions выполняет действия агента: браузерные (chromedp) и
// небраузерные (wait, fetch).
//
// Реестр executor'ов по виду действия:
//   - navigate, click, type, extract, scroll, screenshot — во вкладке run
//   - wait  — пауза
//   - fetch — HTTP-запрос
package actions
