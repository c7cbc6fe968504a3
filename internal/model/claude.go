package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// systemPrompt pins the reply format. Strategy lives with the model;
// the engine only needs one well-formed JSON decision per step.
const systemPrompt = `You are an automated software engineer working inside a sandboxed repository.
Each turn you receive the task, the repository file list, and the outcome of your previous action.
Reply with exactly one JSON object and nothing else. Either:
  {"action": {"kind": "run_command", "command": {"argv": ["..."], "cwd": "", "timeout_seconds": 0}}}
  {"action": {"kind": "apply_patch", "patch": {"unified_diff": "--- a/f\n+++ b/f\n@@ ..."}}}
  {"action": {"kind": "read_file", "read": {"path": "relative/path"}}}
or, when the task is complete:
  {"done": true, "reason": "..."}
Paths are relative to the repository root. Patches must be unified diffs with exact context.`

// Claude speaks the Anthropic Messages API. The key is held here and
// in the request header only; it is never logged and never appears in
// actions or the run log.
type Claude struct {
	apiKey    string
	modelName string
	baseURL   string
	maxTokens int
	client    *http.Client
}

func NewClaude(apiKey, modelName string, maxTokens int) (*Claude, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Claude{
		apiKey:    apiKey,
		modelName: modelName,
		baseURL:   defaultBaseURL,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (c *Claude) Name() string { return "claude" }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	Messages  []claudeMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Claude) Next(ctx context.Context, req Request) (Decision, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Decision{}, err
	}

	body, err := json.Marshal(claudeRequest{
		Model:     c.modelName,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []claudeMessage{
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return Decision{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Decision{}, modelErr("request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Decision{}, modelErr("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, modelErr("api status %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var parsed claudeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Decision{}, modelErr("decode response: %v", err)
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	logrus.Debugf("model: %d in / %d out tokens, stop=%s",
		parsed.Usage.InputTokens, parsed.Usage.OutputTokens, parsed.StopReason)

	return decodeDecision(text)
}

// decodeDecision parses the model reply into a normalized Decision.
func decodeDecision(text string) (Decision, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return Decision{}, modelErr("%v", err)
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, modelErr("decode decision: %v", err)
	}
	if err := d.Normalize(); err != nil {
		return Decision{}, modelErr("%v", err)
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
