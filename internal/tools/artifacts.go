package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ArtifactStore writes shared artifacts to a directory served at a base
// URL. The command executor also uses it for over-length responses.
type ArtifactStore struct {
	dir     string
	baseURL string
}

func NewArtifactStore(dir, baseURL string) *ArtifactStore {
	return &ArtifactStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Publish writes content under the given filename (a generated .txt name
// when empty) and returns the public URL.
func (s *ArtifactStore) Publish(filename, content string) (string, error) {
	if s.dir == "" {
		return "", fmt.Errorf("artifacts are not configured")
	}
	if filename == "" {
		filename = uuid.NewString() + ".txt"
	}
	filename = filepath.Base(filename) // no traversal
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact dir: %w", err)
	}
	path := filepath.Join(s.dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return s.baseURL + "/" + filename, nil
}

// Read returns a previously published artifact's content.
func (s *ArtifactStore) Read(filename string) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(filename))
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(b), nil
}

// ShareArtifactTool publishes content and hands the URL back to the model.
type ShareArtifactTool struct {
	store *ArtifactStore
}

func NewShareArtifactTool(store *ArtifactStore) *ShareArtifactTool {
	return &ShareArtifactTool{store: store}
}

func (t *ShareArtifactTool) Name() string { return "share_artifact" }

func (t *ShareArtifactTool) Description() string {
	return "Publish text content (code, documents, long output) as a shareable artifact and get its URL."
}

func (t *ShareArtifactTool) Persistence() string { return "artifact" }

func (t *ShareArtifactTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The content to publish.",
			},
			"filename": map[string]interface{}{
				"type":        "string",
				"description": "Optional filename with extension (e.g. notes.md). Generated when omitted.",
			},
		},
		"required": []string{"content"},
	}
}

func (t *ShareArtifactTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}
	filename, _ := args["filename"].(string)

	url, err := t.store.Publish(filename, content)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult("artifact published: " + url)
}

// EditArtifactTool rewrites part of an existing artifact in place.
type EditArtifactTool struct {
	store *ArtifactStore
}

func NewEditArtifactTool(store *ArtifactStore) *EditArtifactTool {
	return &EditArtifactTool{store: store}
}

func (t *EditArtifactTool) Name() string { return "edit_artifact" }

func (t *EditArtifactTool) Description() string {
	return "Edit a previously shared artifact by replacing an exact text fragment."
}

func (t *EditArtifactTool) Persistence() string { return "artifact" }

func (t *EditArtifactTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filename": map[string]interface{}{
				"type":        "string",
				"description": "Filename of the artifact to edit.",
			},
			"find": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to find.",
			},
			"replace": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text.",
			},
		},
		"required": []string{"filename", "find", "replace"},
	}
}

func (t *EditArtifactTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	filename, _ := args["filename"].(string)
	find, _ := args["find"].(string)
	replace, _ := args["replace"].(string)
	if filename == "" || find == "" {
		return ErrorResult("filename and find are required")
	}

	content, err := t.store.Read(filename)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	if !strings.Contains(content, find) {
		return ErrorResult("text to find is not present in the artifact")
	}

	url, err := t.store.Publish(filename, strings.Replace(content, find, replace, 1))
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult("artifact updated: " + url)
}
