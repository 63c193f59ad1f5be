// Package config загружает конфигурацию процессов navigator.
//
// Источники в порядке возрастания приоритета:
//   - значения по умолчанию (setDefaults)
//   - YAML-файл (navigator.yaml или Options.File)
//   - файл .env (godotenv, не перезаписывает окружение)
//   - переменные окружения: NAVIGATOR_<SECTION>_<KEY> и короткие
//     имена развёртывания (DB_URL, RABBITMQ_URL, REDIS_URL, LOG_LEVEL, ...)
//
// После загрузки конфигурация проверяется тегами validate.
package config
