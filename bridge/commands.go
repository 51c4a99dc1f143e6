package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed client wrappers over the batcher for the host command surface the
// interface layer actually uses. The host-side implementations live in the
// host process; only the call shapes are owned here. All wrappers route
// through `Invoke`, so concurrent widget reads coalesce into one round trip.

type HostApi struct {
	batcher *RequestBatcher
}

func NewHostApi(batcher *RequestBatcher) *HostApi {
	return &HostApi{
		batcher: batcher,
	}
}

// decodeResult normalizes the transport's decoded json into a typed result.
func decodeResult[R any](result any) (R, error) {
	var typedResult R
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return typedResult, err
	}
	if err := json.Unmarshal(resultBytes, &typedResult); err != nil {
		return typedResult, err
	}
	return typedResult, nil
}

func (self *HostApi) Version(ctx context.Context) (string, error) {
	result, err := self.batcher.Invoke(ctx, "get_version", nil)
	if err != nil {
		return "", err
	}
	version, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected version result: %T", result)
	}
	return version, nil
}

func (self *HostApi) SettingsLoad(ctx context.Context) (map[string]any, error) {
	result, err := self.batcher.Invoke(ctx, "settings_load", nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[map[string]any](result)
}

func (self *HostApi) SettingsSave(ctx context.Context, settings map[string]any) error {
	_, err := self.batcher.Invoke(ctx, "settings_save", map[string]any{
		"settings": settings,
	})
	return err
}

func (self *HostApi) FsRead(ctx context.Context, path string) (string, error) {
	result, err := self.batcher.Invoke(ctx, "fs_read", map[string]any{
		"path": path,
	})
	if err != nil {
		return "", err
	}
	content, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected fs_read result: %T", result)
	}
	return content, nil
}

func (self *HostApi) FsWrite(ctx context.Context, path string, content string) error {
	_, err := self.batcher.Invoke(ctx, "fs_write", map[string]any{
		"path":    path,
		"content": content,
	})
	return err
}

type GitFileStatus struct {
	Path     string `json:"path"`
	Staged   bool   `json:"staged"`
	Modified bool   `json:"modified"`
	Status   string `json:"status"`
}

func (self *HostApi) GitStatus(ctx context.Context) ([]*GitFileStatus, error) {
	result, err := self.batcher.Invoke(ctx, "git_status", nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]*GitFileStatus](result)
}

type LspHoverResult struct {
	Contents string `json:"contents"`
	Range    *struct {
		StartLine      int `json:"start_line"`
		StartCharacter int `json:"start_character"`
		EndLine        int `json:"end_line"`
		EndCharacter   int `json:"end_character"`
	} `json:"range,omitempty"`
}

func (self *HostApi) LspHover(ctx context.Context, path string, line int, character int) (*LspHoverResult, error) {
	result, err := self.batcher.Invoke(ctx, "lsp_hover", map[string]any{
		"path":      path,
		"line":      line,
		"character": character,
	})
	if err != nil {
		return nil, err
	}
	return decodeResult[*LspHoverResult](result)
}

// AiComplete starts a completion task. The host streams tokens back as text
// update envelopes targeting taskId; only the task ack is returned here.
func (self *HostApi) AiComplete(ctx context.Context, prompt string, taskId string) error {
	_, err := self.batcher.Invoke(ctx, "ai_complete", map[string]any{
		"prompt":  prompt,
		"task_id": taskId,
	})
	return err
}
