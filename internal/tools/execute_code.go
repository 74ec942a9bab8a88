package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const (
	executeCodeTimeout   = 60 * time.Second
	executeCodeMaxOutput = 8000
)

// Dangerous patterns denied outright regardless of interpreter.
var executeDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
}

// ExecuteCodeTool runs short Python or shell snippets in a scratch
// directory with a hard timeout.
type ExecuteCodeTool struct {
	workDir string
	timeout time.Duration
}

func NewExecuteCodeTool(workDir string) *ExecuteCodeTool {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &ExecuteCodeTool{workDir: workDir, timeout: executeCodeTimeout}
}

func (t *ExecuteCodeTool) Name() string { return "execute_code" }

func (t *ExecuteCodeTool) Description() string {
	return "Execute a Python or shell snippet and return its output. Use for calculations, data wrangling, and quick scripts."
}

func (t *ExecuteCodeTool) Persistence() string { return "summary" }

func (t *ExecuteCodeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "The code to execute.",
			},
			"language": map[string]interface{}{
				"type":        "string",
				"description": `"python" (default) or "shell".`,
				"enum":        []string{"python", "shell"},
			},
		},
		"required": []string{"code"},
	}
}

func (t *ExecuteCodeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	code, _ := args["code"].(string)
	if code == "" {
		return ErrorResult("code is required")
	}
	language, _ := args["language"].(string)
	if language == "" {
		language = "python"
	}

	for _, pattern := range executeDenyPatterns {
		if pattern.MatchString(code) {
			return ErrorResult("code denied by safety policy")
		}
	}

	scratch := filepath.Join(t.workDir, "ambit-exec-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("scratch dir: %v", err))
	}
	defer os.RemoveAll(scratch)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch language {
	case "python":
		cmd = exec.CommandContext(ctx, "python3", "-c", code)
	case "shell":
		cmd = exec.CommandContext(ctx, "sh", "-c", code)
	default:
		return ErrorResult(fmt.Sprintf("unsupported language: %s", language))
	}
	cmd.Dir = scratch

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}
	output = truncateStr(output, executeCodeMaxOutput)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("execution timed out after %s", t.timeout))
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output)
	}
	if output == "" {
		output = "(completed with no output)"
	}
	return NewResult(output)
}
