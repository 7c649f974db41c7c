package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ubuygold/gpugate/internal/registry"

	"github.com/openai/openai-go/v2"
)

// keepAliveForever asks an ollama backend to keep the model resident after the call.
const keepAliveForever = -1

const defaultChatTemperature = 0.7

// payloadStrategy builds the backend request body and reads the generated text back.
type payloadStrategy interface {
	Path() string
	Build(model string, req Request) ([]byte, error)
	Extract(body []byte, stream bool) (string, error)
}

func strategyFor(style registry.Style) payloadStrategy {
	if style == registry.StyleChat {
		return chatStrategy{}
	}
	return generateStrategy{}
}

type generatePayload struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	Images    []string       `json:"images,omitempty"`
	Options   map[string]any `json:"options"`
	KeepAlive int            `json:"keep_alive"`
}

type generateStrategy struct{}

func (generateStrategy) Path() string { return "/api/generate" }

func (generateStrategy) Build(model string, req Request) ([]byte, error) {
	options := req.Options
	if options == nil {
		options = map[string]any{}
	}
	return json.Marshal(generatePayload{
		Model:     model,
		Prompt:    req.Prompt,
		Stream:    req.Stream,
		Images:    req.Images,
		Options:   options,
		KeepAlive: keepAliveForever,
	})
}

func (generateStrategy) Extract(body []byte, stream bool) (string, error) {
	type envelope struct {
		Response string `json:"response"`
	}
	if !stream {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return "", fmt.Errorf("failed to decode generate response: %w", err)
		}
		return env.Response, nil
	}

	// Streaming answers are NDJSON, one partial response per line.
	var sb strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return sb.String(), fmt.Errorf("failed to decode generate stream line: %w", err)
		}
		sb.WriteString(env.Response)
	}
	return sb.String(), scanner.Err()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatStrategy struct{}

func (chatStrategy) Path() string { return "/v1/chat/completions" }

func (chatStrategy) Build(model string, req Request) ([]byte, error) {
	if len(req.Images) > 0 {
		return nil, ErrImagesNotSupported
	}
	temperature := defaultChatTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	} else if t, ok := req.Options["temperature"].(float64); ok {
		temperature = t
	}
	return json.Marshal(chatPayload{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: temperature,
		Stream:      req.Stream,
	})
}

func (chatStrategy) Extract(body []byte, stream bool) (string, error) {
	if !stream {
		var completion openai.ChatCompletion
		if err := json.Unmarshal(body, &completion); err != nil {
			return "", fmt.Errorf("failed to decode chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", nil
		}
		return completion.Choices[0].Message.Content, nil
	}

	// Server-sent events: "data: {chunk}" lines closed by "data: [DONE]".
	var sb strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return sb.String(), fmt.Errorf("failed to decode chat stream chunk: %w", err)
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	return sb.String(), scanner.Err()
}
