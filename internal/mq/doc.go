// Package mq — RabbitMQ транспорт для пакета queue.
//
// Структура:
//   - connection.go — соединение с reconnect, канал публикации, каналы consumer
//   - topology.go   — exchanges, очереди, очереди задержки
//   - publisher.go  — публикация job и dead-letter
//   - consumer.go   — потребление с ограничением параллельности
//   - backend.go    — реализация queue.Backend
//
// Exchanges:
//   - navigator.jobs — job именованных очередей (routing key = имя очереди)
//   - navigator.dlq  — dead letter queue
package mq
