package runtimes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/runner"
)

// Environment variables read by the chat runtime. The server must list
// them in sandbox.pass_env for workers to see them.
const (
	EnvChatBaseURL = "OPENAI_BASE_URL"
	EnvChatAPIKey  = "OPENAI_API_KEY"
	EnvChatModel   = "OPENAI_MODEL"
)

// maxAttachmentBytes caps the text inlined per attachment.
const maxAttachmentBytes = 64 << 10

// ChatConfig configures the chat runtime.
type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// HTTPClient defaults to a client without timeout; the execution's
	// context bounds each request.
	HTTPClient *http.Client
}

// Chat streams a single completion from an OpenAI-compatible Chat
// Completions backend. Each content delta becomes a "text_delta" event;
// the result is the full text.
type Chat struct {
	cfg ChatConfig
}

// ChatResult is the result of the chat runtime.
type ChatResult struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// NewChat returns a chat runtime.
func NewChat(cfg ChatConfig) (*Chat, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("chat runtime: base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("chat runtime: model is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Chat{cfg: cfg}, nil
}

// NewChatFromEnv builds the chat runtime from OPENAI_BASE_URL,
// OPENAI_API_KEY, and OPENAI_MODEL.
func NewChatFromEnv(lookup func(string) (string, bool)) (runner.Runtime, error) {
	get := func(name string) string {
		v, _ := lookup(name)
		return v
	}
	return NewChat(ChatConfig{
		BaseURL: get(EnvChatBaseURL),
		APIKey:  get(EnvChatAPIKey),
		Model:   get(EnvChatModel),
	})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Handle implements runner.Runtime.
func (c *Chat) Handle(ctx context.Context, in runner.Input, emit runner.EmitFunc) (any, error) {
	content, err := c.userContent(in)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: content}},
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend connection error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, backendError(resp)
	}

	return c.readStream(ctx, resp.Body, emit)
}

// readStream consumes the SSE body until [DONE] or end of stream.
func (c *Chat) readStream(ctx context.Context, body io.Reader, emit runner.EmitFunc) (*ChatResult, error) {
	var (
		text   strings.Builder
		result ChatResult
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("skipping malformed SSE chunk", "error", err, "data", debug.Truncate(payload, 200))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if delta := choice.Delta.Content; delta != "" {
			text.WriteString(delta)
			if err := emit("text_delta", map[string]string{"delta": delta}); err != nil {
				return nil, err
			}
		}
		if choice.FinishReason != nil {
			result.FinishReason = *choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("SSE stream read error: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Text = text.String()
	return &result, nil
}

// userContent appends text attachments to the message.
func (c *Chat) userContent(in runner.Input) (string, error) {
	if len(in.Attachments) == 0 {
		return in.Message, nil
	}

	var b strings.Builder
	b.WriteString(in.Message)
	for _, att := range in.Attachments {
		if att.MediaType != "" && !strings.HasPrefix(att.MediaType, "text/") {
			debug.Log("runner", "skipping non-text attachment", "path", att.Path, "media_type", att.MediaType)
			continue
		}
		path, err := runner.ResolveAttachment(in.Root, att.Path)
		if err != nil {
			return "", err
		}
		data, err := readLimited(path, maxAttachmentBytes)
		if err != nil {
			return "", fmt.Errorf("read attachment %s: %w", att.Path, err)
		}
		name := att.Name
		if name == "" {
			name = att.Path
		}
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", name, data)
	}
	return b.String(), nil
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

// backendError turns a non-2xx response into an error, preferring the
// backend's own message.
func backendError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp chatErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
		return fmt.Errorf("backend error (HTTP %d): %s", resp.StatusCode, errResp.Error.Message)
	}
	return fmt.Errorf("backend error (HTTP %d)", resp.StatusCode)
}
