// Package browser выдаёт runs браузерные сессии (вкладки Chrome через chromedp).
//
// Одна сессия на run; сессия освобождается, когда run завершён,
// или закрывается reaper после простоя.
package browser
