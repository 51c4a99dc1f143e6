package bridge

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTextUpdate(t *testing.T) {
	envelope := NewTextUpdate("x", nil)
	assert.Equal(t, UpdateTypeText, envelope.Type)
	assert.Equal(t, "x", envelope.Content)
	assert.Equal(t, PriorityNormal, envelope.Priority)
	assert.Equal(t, "", envelope.TargetId)
	assert.NotEqual(t, Id{}, envelope.UpdateId)

	// options are honored
	envelope = NewTextUpdate("y", &TextUpdateOptions{
		TargetId: "editor",
		Priority: PriorityHigh,
	})
	assert.Equal(t, "editor", envelope.TargetId)
	assert.Equal(t, PriorityHigh, envelope.Priority)
}

func TestTerminalUpdate(t *testing.T) {
	envelope := NewTerminalUpdate("out", "")
	assert.Equal(t, UpdateTypeTerminal, envelope.Type)
	assert.Equal(t, "out", envelope.Content)
	assert.Equal(t, "stdout", envelope.Stream)
	assert.Equal(t, PriorityNormal, envelope.Priority)

	envelope = NewTerminalUpdate("err", "stderr")
	assert.Equal(t, "stderr", envelope.Stream)
}

func TestListUpdate(t *testing.T) {
	items := []any{"a.go", "b.go"}
	envelope := NewListUpdate("files", ListKindAdd, items)
	assert.Equal(t, UpdateTypeListAdd, envelope.Type)
	assert.Equal(t, "files", envelope.ListId)
	assert.Equal(t, "files", envelope.TargetId)
	assert.Equal(t, ListKindAdd, envelope.Kind)
	assert.Equal(t, items, envelope.Items)
	assert.Equal(t, PriorityNormal, envelope.Priority)
}

func TestProgressUpdate(t *testing.T) {
	envelope := NewProgressUpdate(0.25, &ProgressUpdateOptions{
		TaskId:  "index",
		Message: "indexing",
	})
	assert.Equal(t, UpdateTypeProgress, envelope.Type)
	assert.Equal(t, float32(0.25), envelope.Progress)
	assert.Equal(t, "index", envelope.TaskId)
	assert.Equal(t, "index", envelope.TargetId)
	assert.Equal(t, "indexing", envelope.Message)
}

func TestUpdateIdsUnique(t *testing.T) {
	seen := map[Id]bool{}
	for i := 0; i < 1000; i += 1 {
		envelope := NewTextUpdate("x", nil)
		assert.Equal(t, false, seen[envelope.UpdateId])
		seen[envelope.UpdateId] = true
	}
}

func TestCoalescible(t *testing.T) {
	// text and progress with a target coalesce
	assert.Equal(t, true, NewTextUpdate("x", &TextUpdateOptions{TargetId: "a"}).Coalescible())
	assert.Equal(t, true, NewProgressUpdate(0.5, &ProgressUpdateOptions{TaskId: "a"}).Coalescible())

	// no target, no coalescing
	assert.Equal(t, false, NewTextUpdate("x", nil).Coalescible())
	assert.Equal(t, false, NewProgressUpdate(0.5, nil).Coalescible())

	// high priority never coalesces
	assert.Equal(t, false, NewTextUpdate("x", &TextUpdateOptions{TargetId: "a", Priority: PriorityHigh}).Coalescible())

	// terminal bytes and list mutations are always 1:1
	assert.Equal(t, false, NewTerminalUpdate("x", "").Coalescible())
	assert.Equal(t, false, NewListUpdate("a", ListKindAdd, nil).Coalescible())
}
