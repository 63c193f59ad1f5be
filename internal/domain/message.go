package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Segment — к какому потоку сообщений относится запись.
type Segment string

const (
	// SegmentAgent — рабочие сообщения агента (действия, скриншоты).
	SegmentAgent Segment = "agent"

	// SegmentUser — диалог с пользователем (вопросы, ответы, итоги).
	SegmentUser Segment = "user"
)

// BlockType — тип блока содержимого.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockImage    BlockType = "image"
	BlockMarkdown BlockType = "markdown"
	BlockCode     BlockType = "code"
)

// ContentBlock — один блок сообщения.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Content — текст, markdown, код или base64/URL изображения.
	Content string `json:"content"`

	// Language — язык для блоков code.
	Language string `json:"language,omitempty"`

	// MimeType — MIME-тип для блоков image.
	MimeType string `json:"mimeType,omitempty"`
}

// Роли сообщений.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
)

// MessageLog — запись журнала сообщений run (append-only).
type MessageLog struct {
	ID     uuid.UUID  `json:"id"`
	FlowID uuid.UUID  `json:"flow_id"`
	RunID  uuid.UUID  `json:"run_id"`
	NodeID *uuid.UUID `json:"node_id,omitempty"`

	Segment Segment        `json:"segment"`
	Role    string         `json:"role"`
	Blocks  []ContentBlock `json:"blocks"`

	CreatedAt time.Time `json:"created_at"`
}

// Text склеивает текстовые блоки сообщения (image пропускаются).
func (m *MessageLog) Text() string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockImage {
			continue
		}
		parts = append(parts, b.Content)
	}
	return strings.Join(parts, "\n")
}

// TextBlock создаёт текстовый блок.
func TextBlock(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Content: s}
}

// ImageBlock создаёт блок изображения.
func ImageBlock(data, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockImage, Content: data, MimeType: mimeType}
}
