package triviastream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// APIError is an error response from the question endpoint.
type APIError struct {
	StatusCode int
	Code       ErrCode
	Message    string
	Details    []FieldError
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s (status %d): %s: %s", e.Message, e.StatusCode, e.Details[0].Field, e.Details[0].Message)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// StreamClient consumes the question endpoint.
type StreamClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewStreamClient creates a client for the API at baseURL. httpClient may be nil.
func NewStreamClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *StreamClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &StreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With().Str("component", "stream_client").Logger(),
	}
}

// Generate starts a streaming run in the background and reports through the
// callbacks, which are called from a single goroutine. onProgress receives the
// full deduplicated list every time it grows and once more on completion. onError
// is called only if the run fails before yielding any question. Cancelling ctx
// ends the run silently.
func (sc *StreamClient) Generate(ctx context.Context, req GenerationRequest, onProgress func(Progress), onError func(error)) {
	go sc.Stream(ctx, req, onProgress, onError)
}

// Stream is the blocking form of Generate.
func (sc *StreamClient) Stream(ctx context.Context, req GenerationRequest, onProgress func(Progress), onError func(error)) {
	req.Stream = true
	tracker := NewProgressTracker(req.Requested(), onProgress, onError)

	resp, err := sc.post(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			tracker.Fail(err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tracker.Fail(decodeAPIError(resp))
		return
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			if sc.handleLine(tracker, line) {
				return
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			tracker.Finish()
			return
		}
		sc.log.Warn().Err(err).Int("questions", len(tracker.Questions())).Msg("Stream read failed")
		tracker.Fail(&ProviderConnectionError{Err: err})
		return
	}
}

// handleLine applies one ND-JSON line and reports whether the run is over.
// Lines that are not valid JSON are skipped.
func (sc *StreamClient) handleLine(tracker *ProgressTracker, line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		sc.log.Debug().Err(err).Msg("Skipping unparseable stream line")
		return false
	}
	return tracker.Handle(ev)
}

// Fetch runs a non-streaming request and returns all questions at once.
func (sc *StreamClient) Fetch(ctx context.Context, req GenerationRequest) ([]Question, error) {
	req.Stream = false
	resp, err := sc.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var body struct {
		Questions []Question `json:"questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}
	return body.Questions, nil
}

func (sc *StreamClient) post(ctx context.Context, req GenerationRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.baseURL+"/api/questions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	}

	resp, err := sc.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Code: ErrInternal, Message: strings.TrimSpace(string(data))}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Error, Details: body.Details}
}
