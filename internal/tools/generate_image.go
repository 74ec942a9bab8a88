package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const imageGenTimeout = 120 * time.Second

// GenerateImageTool generates images through the OpenAI images API and
// publishes them via the artifact store.
type GenerateImageTool struct {
	apiKey  string
	apiBase string
	model   string
	store   *ArtifactStore
	client  *http.Client
}

func NewGenerateImageTool(apiKey, apiBase, model string, store *ArtifactStore) *GenerateImageTool {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-image-1"
	}
	return &GenerateImageTool{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		model:   model,
		store:   store,
		client:  &http.Client{Timeout: imageGenTimeout},
	}
}

func (t *GenerateImageTool) Name() string { return "generate_image" }

func (t *GenerateImageTool) Description() string {
	return "Generate an image from a text description. Returns a URL to the generated image."
}

func (t *GenerateImageTool) Persistence() string { return "artifact" }

func (t *GenerateImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Text description of the image to generate.",
			},
			"size": map[string]interface{}{
				"type":        "string",
				"description": "Image size: '1024x1024' (default), '1536x1024', '1024x1536'.",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *GenerateImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return ErrorResult("prompt is required")
	}
	if t.apiKey == "" {
		return ErrorResult("image generation is not configured")
	}
	size, _ := args["size"].(string)
	if size == "" {
		size = "1024x1024"
	}

	slog.Info("generate_image", "model", t.model, "size", size)

	imageBytes, err := t.callImagesAPI(ctx, prompt, size)
	if err != nil {
		return ErrorResult(fmt.Sprintf("image generation failed: %v", err)).WithError(err)
	}

	filename := uuid.NewString() + ".png"
	url, err := t.store.Publish(filename, string(imageBytes))
	if err != nil {
		// No artifact hosting: fall back to a temp file path.
		imagePath := filepath.Join(os.TempDir(), filename)
		if werr := os.WriteFile(imagePath, imageBytes, 0o644); werr != nil {
			return ErrorResult(fmt.Sprintf("save generated image: %v", werr))
		}
		return NewResult("image saved to " + imagePath)
	}
	return NewResult("image generated: " + url)
}

func (t *GenerateImageTool) callImagesAPI(ctx context.Context, prompt, size string) ([]byte, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":  t.model,
		"prompt": prompt,
		"size":   size,
		"n":      1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("images API returned %d: %s", resp.StatusCode, truncateStr(string(raw), 200))
	}

	var parsed struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
			URL     string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("no image in response")
	}
	if parsed.Data[0].B64JSON != "" {
		return base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	}
	if parsed.Data[0].URL != "" {
		return t.download(ctx, parsed.Data[0].URL)
	}
	return nil, fmt.Errorf("response carries neither data nor URL")
}

func (t *GenerateImageTool) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
