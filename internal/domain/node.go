package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Node — шаг (под-задача) в дереве выполнения run.
//
// Инварианты:
//   - у каждого run ровно один корневой node (ParentNodeID == nil)
//   - ParentNodeID не-корневого node указывает на node того же run
//   - node никогда не удаляются (аудит)
type Node struct {
	ID           uuid.UUID  `json:"id"`
	RunID        uuid.UUID  `json:"run_id"`
	ParentNodeID *uuid.UUID `json:"parent_node_id,omitempty"`

	// AgentCode — какой агент исполняет node.
	AgentCode string `json:"agent_code"`

	// Input — задача node на естественном языке.
	Input string `json:"input"`

	Status Status `json:"status"`

	// TriggerWait — trigger-выражение, которого ждёт node в статусе waiting.
	TriggerWait string `json:"trigger_wait,omitempty"`

	// Data — nodes.private_data.
	Data NodeData `json:"private_data"`

	// Steps — количество выполненных шагов решения.
	// Используется как счётчик для отбрасывания устаревших job.
	Steps int `json:"steps"`

	// Result — причина завершения или итог node.
	Result string `json:"result,omitempty"`

	// Error — человекочитаемое описание ошибки.
	Error string `json:"error,omitempty"`

	// LockedBy / LockedUntil — аренда node одним исполнителем.
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot возвращает true для корневого node.
func (n *Node) IsRoot() bool {
	return n.ParentNodeID == nil
}

// IsTerminal возвращает true, если node завершён.
func (n *Node) IsTerminal() bool {
	return n.Status.IsTerminal()
}

// NodeKind — вид метаданных node.
type NodeKind string

const (
	NodeKindRoot   NodeKind = "root"
	NodeKindChild  NodeKind = "child"
	NodeKindOpaque NodeKind = "opaque"
)

// RootNodeMeta — метаданные корневого node.
type RootNodeMeta struct {
	FailurePolicy FailurePolicy `json:"failurePolicy,omitempty"`
}

// ChildNodeMeta — метаданные дочернего node.
type ChildNodeMeta struct {
	// ThreadLevel — глубина в дереве (у детей корня = 1).
	ThreadLevel int `json:"threadLevel"`

	// Index — порядковый номер среди братьев.
	Index int `json:"index"`

	FailurePolicy FailurePolicy `json:"failurePolicy,omitempty"`
}

// NodeData — tagged-вариант nodes.private_data.
//
// Ровно одно из Root/Child заполнено для известных видов.
// Для неизвестных данных Kind = opaque и Raw хранит JSON без изменений.
type NodeData struct {
	Kind  NodeKind
	Root  *RootNodeMeta
	Child *ChildNodeMeta
	Raw   json.RawMessage
}

// NewRootNodeData создаёт метаданные корневого node.
func NewRootNodeData(policy FailurePolicy) NodeData {
	return NodeData{Kind: NodeKindRoot, Root: &RootNodeMeta{FailurePolicy: policy}}
}

// NewChildNodeData создаёт метаданные дочернего node.
func NewChildNodeData(threadLevel, index int, policy FailurePolicy) NodeData {
	return NodeData{
		Kind:  NodeKindChild,
		Child: &ChildNodeMeta{ThreadLevel: threadLevel, Index: index, FailurePolicy: policy},
	}
}

// ThreadLevel возвращает глубину node в дереве.
func (d NodeData) ThreadLevel() int {
	if d.Child != nil {
		return d.Child.ThreadLevel
	}
	return 0
}

// FailurePolicy возвращает политику node, по умолчанию fail_fast.
func (d NodeData) FailurePolicy() FailurePolicy {
	switch {
	case d.Root != nil:
		return d.Root.FailurePolicy.OrDefault()
	case d.Child != nil:
		return d.Child.FailurePolicy.OrDefault()
	default:
		return FailurePolicyFailFast
	}
}

type taggedRootMeta struct {
	Kind NodeKind `json:"kind"`
	RootNodeMeta
}

type taggedChildMeta struct {
	Kind NodeKind `json:"kind"`
	ChildNodeMeta
}

// MarshalJSON пишет {"kind": ..., поля варианта}.
func (d NodeData) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case NodeKindRoot:
		var meta RootNodeMeta
		if d.Root != nil {
			meta = *d.Root
		}
		return json.Marshal(taggedRootMeta{Kind: NodeKindRoot, RootNodeMeta: meta})
	case NodeKindChild:
		var meta ChildNodeMeta
		if d.Child != nil {
			meta = *d.Child
		}
		return json.Marshal(taggedChildMeta{Kind: NodeKindChild, ChildNodeMeta: meta})
	case NodeKindOpaque:
		if len(d.Raw) == 0 {
			return []byte("{}"), nil
		}
		return d.Raw, nil
	case "":
		return []byte("{}"), nil
	default:
		return nil, fmt.Errorf("unknown node data kind %q", d.Kind)
	}
}

// UnmarshalJSON выбирает вариант по полю kind.
//
// Данные без kind, но с threadLevel (старый формат), трактуются как
// child (threadLevel > 0) или root (threadLevel = 0).
func (d *NodeData) UnmarshalJSON(data []byte) error {
	*d = NodeData{}
	if isEmptyJSON(data) {
		return nil
	}

	var head struct {
		Kind        NodeKind `json:"kind"`
		ThreadLevel *int     `json:"threadLevel"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		d.Kind = NodeKindOpaque
		d.Raw = append(json.RawMessage(nil), data...)
		return nil
	}

	kind := head.Kind
	if kind == "" && head.ThreadLevel != nil {
		kind = NodeKindChild
		if *head.ThreadLevel == 0 {
			kind = NodeKindRoot
		}
	}

	switch kind {
	case NodeKindRoot:
		var meta RootNodeMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("decode root node data: %w", err)
		}
		d.Kind, d.Root = NodeKindRoot, &meta
	case NodeKindChild:
		var meta ChildNodeMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("decode child node data: %w", err)
		}
		d.Kind, d.Child = NodeKindChild, &meta
	default:
		d.Kind = NodeKindOpaque
		d.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}
