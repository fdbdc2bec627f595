package triviastream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	TransportOpenAI = "openai"
	TransportHTTP   = "http"

	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "google/gemini-2.0-pro-exp-02-05:free"
)

// ProviderConfig configures the outbound chat completion calls.
type ProviderConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Transport   string // TransportOpenAI or TransportHTTP
	Framing     Framing
	Temperature float32
	MaxTokens   int
	Referer     string
	Title       string

	// FirstByteTimeout bounds the wait for the first streamed chunk. Zero disables it.
	FirstByteTimeout time.Duration

	HTTPClient *http.Client
}

// chatRequest is a provider independent completion request
type chatRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// deltaStream yields completion text deltas until io.EOF.
type deltaStream interface {
	Recv() (string, error)
	Close() error
}

type completionTransport interface {
	Stream(ctx context.Context, req chatRequest) (deltaStream, error)
	Complete(ctx context.Context, req chatRequest) (string, error)
}

func newTransport(cfg ProviderConfig) completionTransport {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	client := *httpClient
	client.Transport = &headerTransport{
		base:    httpClient.Transport,
		referer: cfg.Referer,
		title:   cfg.Title,
	}

	if cfg.Transport == TransportHTTP {
		return &httpTransport{
			client:  &client,
			baseURL: strings.TrimRight(cfg.BaseURL, "/"),
			apiKey:  cfg.APIKey,
			framing: cfg.Framing,
		}
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &client
	return &openaiTransport{client: openai.NewClientWithConfig(oc)}
}

// headerTransport adds the attribution headers OpenRouter asks for.
type headerTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.referer == "" && t.title == "" {
		return base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return base.RoundTrip(req)
}

// openaiTransport talks to any OpenAI compatible API through go-openai.
type openaiTransport struct {
	client *openai.Client
}

func (t *openaiTransport) request(req chatRequest) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.System,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.Prompt,
			},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (t *openaiTransport) Stream(ctx context.Context, req chatRequest) (deltaStream, error) {
	stream, err := t.client.CreateChatCompletionStream(ctx, t.request(req))
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	return &openaiDeltaStream{stream: stream}, nil
}

func (t *openaiTransport) Complete(ctx context.Context, req chatRequest) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, t.request(req))
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in provider response: %w", ErrNoQuestions)
	}
	return resp.Choices[0].Message.Content, nil
}

type openaiDeltaStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiDeltaStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *openaiDeltaStream) Close() error {
	return s.stream.Close()
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode > 0 {
			return &ProviderHTTPError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return fmt.Errorf("provider stream error: %w", err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &ProviderHTTPError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}

// httpTransport posts chat completion requests directly and decodes the body
// itself, for providers that stream plain text or non-standard SSE.
type httpTransport struct {
	client  *http.Client
	baseURL string
	apiKey  string
	framing Framing
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (t *httpTransport) post(ctx context.Context, req chatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatCompletionBody{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderHTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (t *httpTransport) Stream(ctx context.Context, req chatRequest) (deltaStream, error) {
	resp, err := t.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	framing := t.framing
	if framing == FramingAuto {
		if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "text/event-stream" {
			framing = FramingSSE
		}
	}
	return newFrameStream(resp.Body, framing), nil
}

func (t *httpTransport) Complete(ctx context.Context, req chatRequest) (string, error) {
	resp, err := t.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Choices) == 0 {
		// Not a chat completion envelope; treat the body as the completion text.
		return string(data), nil
	}
	return parsed.Choices[0].Message.Content, nil
}
