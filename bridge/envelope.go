package bridge

import (
	"time"
)

type UpdateType string

const (
	UpdateTypeText     UpdateType = "text"
	UpdateTypeTerminal UpdateType = "terminal"
	UpdateTypeListAdd  UpdateType = "list_add"
	UpdateTypeProgress UpdateType = "progress"
)

type ListKind string

const (
	ListKindAdd     ListKind = "add"
	ListKindRemove  ListKind = "remove"
	ListKindReplace ListKind = "replace"
)

type UpdatePriority string

const (
	PriorityLow    UpdatePriority = "low"
	PriorityNormal UpdatePriority = "normal"
	PriorityHigh   UpdatePriority = "high"
)

// rank orders priorities for the stream queue. Higher drains first.
func (self UpdatePriority) rank() int {
	switch self {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// UpdateEnvelope is an immutable incremental-update record. Envelopes are
// constructed only by the `New*Update` factories below so that every envelope
// entering a `StreamBus` has a fresh id, a timestamp and a complete shape.
// A bus merge produces a new envelope; an envelope is never mutated after
// construction.
type UpdateEnvelope struct {
	UpdateId   Id             `json:"update_id"`
	Type       UpdateType     `json:"type"`
	CreateTime time.Time      `json:"create_time"`
	Priority   UpdatePriority `json:"priority"`
	// coalescing key. Empty target ids never coalesce with each other.
	TargetId string `json:"target_id,omitempty"`

	// type-specific payload
	Content  string   `json:"content,omitempty"`
	Stream   string   `json:"stream,omitempty"`
	ListId   string   `json:"list_id,omitempty"`
	Kind     ListKind `json:"kind,omitempty"`
	Items    []any    `json:"items,omitempty"`
	Progress float32  `json:"progress,omitempty"`
	TaskId   string   `json:"task_id,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Coalescible reports whether successive envelopes for the same target may be
// merged under backpressure. Terminal bytes and list mutations carry data the
// renderer cannot reconstruct, so they are always delivered 1:1. High priority
// envelopes are never merged regardless of type.
func (self *UpdateEnvelope) Coalescible() bool {
	if self.Priority == PriorityHigh {
		return false
	}
	switch self.Type {
	case UpdateTypeText, UpdateTypeProgress:
		return self.TargetId != ""
	default:
		return false
	}
}

type TextUpdateOptions struct {
	TargetId string
	Priority UpdatePriority
}

func NewTextUpdate(content string, opts *TextUpdateOptions) *UpdateEnvelope {
	envelope := &UpdateEnvelope{
		UpdateId:   NewId(),
		Type:       UpdateTypeText,
		CreateTime: time.Now(),
		Priority:   PriorityNormal,
		Content:    content,
	}
	if opts != nil {
		envelope.TargetId = opts.TargetId
		if opts.Priority != "" {
			envelope.Priority = opts.Priority
		}
	}
	return envelope
}

// stream is "stdout" or "stderr". Empty defaults to "stdout".
func NewTerminalUpdate(output string, stream string) *UpdateEnvelope {
	if stream == "" {
		stream = "stdout"
	}
	return &UpdateEnvelope{
		UpdateId:   NewId(),
		Type:       UpdateTypeTerminal,
		CreateTime: time.Now(),
		Priority:   PriorityNormal,
		Content:    output,
		Stream:     stream,
	}
}

func NewListUpdate(listId string, kind ListKind, items []any) *UpdateEnvelope {
	return &UpdateEnvelope{
		UpdateId:   NewId(),
		Type:       UpdateTypeListAdd,
		CreateTime: time.Now(),
		Priority:   PriorityNormal,
		TargetId:   listId,
		ListId:     listId,
		Kind:       kind,
		Items:      items,
	}
}

type ProgressUpdateOptions struct {
	TaskId  string
	Message string
}

func NewProgressUpdate(progress float32, opts *ProgressUpdateOptions) *UpdateEnvelope {
	envelope := &UpdateEnvelope{
		UpdateId:   NewId(),
		Type:       UpdateTypeProgress,
		CreateTime: time.Now(),
		Priority:   PriorityNormal,
		Progress:   progress,
	}
	if opts != nil {
		envelope.TaskId = opts.TaskId
		envelope.TargetId = opts.TaskId
		envelope.Message = opts.Message
	}
	return envelope
}
