package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Метаданные (flows.metadata, runs.private_data, nodes.private_data) хранятся
// в JSONB. Каждый вид описан явной схемой. Ключи, которых схема не знает,
// сохраняются как есть и записываются обратно без изменений.

// encodeWithExtra сериализует v и дописывает неизвестные ключи из extra.
// Известные поля имеют приоритет над extra.
func encodeWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	known, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(extra)+8)
	for k, raw := range extra {
		merged[k] = raw
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, raw := range fields {
		merged[k] = raw
	}

	return json.Marshal(merged)
}

// decodeWithExtra разбирает data в dst и возвращает ключи, не входящие в known.
func decodeWithExtra(data []byte, dst any, known ...string) (map[string]json.RawMessage, error) {
	if isEmptyJSON(data) {
		return nil, nil
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return nil, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}

	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func isEmptyJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
