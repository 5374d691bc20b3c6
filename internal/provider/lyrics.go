package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"maestro/internal/config"
	"maestro/internal/faults"
	"maestro/internal/statedoc"
)

const (
	defaultLLMTimeout    = 60 * time.Second
	llmRetryAttempts     = 5
	llmRetryBaseDelay    = 1 * time.Second
	llmRetryMaxDelay     = 10 * time.Second
	jsonResponseTypeName = "json_object"
)

const lyricsSystemPrompt = `You are a songwriter. Produce complete song lyrics for the brief you are given.
Respond with JSON only, using this shape:
{"title": string, "sections": [{"label": string, "lines": [string]}], "language": string, "score": {"overall": number between 0 and 1}}
The score is your own judgement of how well the lyrics fit the brief.`

// LyricsClient generates lyric candidates through an OpenAI-compatible chat
// completion endpoint.
type LyricsClient struct {
	name       string
	cfg        config.Provider
	httpClient *http.Client
	sleeper    func(time.Duration)
}

// LyricsOption customizes the client.
type LyricsOption func(*LyricsClient)

// WithLyricsHTTPClient overrides the default HTTP client.
func WithLyricsHTTPClient(client *http.Client) LyricsOption {
	return func(c *LyricsClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLyricsSleeper overrides how retry sleeps are performed, for tests.
func WithLyricsSleeper(sleeper func(time.Duration)) LyricsOption {
	return func(c *LyricsClient) {
		c.sleeper = sleeper
	}
}

// NewLyricsClient constructs a lyrics backend from provider configuration.
func NewLyricsClient(name string, cfg config.Provider, opts ...LyricsOption) *LyricsClient {
	timeout := defaultLLMTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = cfg.Timeout()
	}
	client := &LyricsClient{
		name:       name,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *LyricsClient) Name() string { return c.name }

// Generate runs one chat completion and returns the lyric document. The
// variant seed from the request payload is folded into the user prompt so
// sibling candidates diverge.
func (c *LyricsClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, faults.Wrap(faults.ErrConfiguration, "", "lyrics generate", "api key required", nil)
	}
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return nil, faults.Wrap(faults.ErrConfiguration, "", "lyrics generate", "base url required", nil)
	}
	userPrompt := buildLyricsPrompt(req.Payload)
	if userPrompt == "" {
		return nil, faults.Wrap(faults.ErrValidation, "", "lyrics generate", "empty brief", nil)
	}

	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: lyricsSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    1,
		ResponseFormat: map[string]string{"type": jsonResponseTypeName},
	}
	content, err := c.completeWithRetry(ctx, payload)
	if err != nil {
		return nil, err
	}

	var lyricsDoc map[string]any
	if err := DecodeModelJSON(content, &lyricsDoc); err != nil {
		return nil, faults.Wrap(faults.ErrProvider, "", "lyrics generate", "parse payload", err)
	}

	scoreJSON := ""
	if score, ok := lyricsDoc["score"].(map[string]any); ok {
		if encoded, err := json.Marshal(score); err == nil {
			scoreJSON = string(encoded)
		}
		delete(lyricsDoc, "score")
	}
	contentJSON, err := json.Marshal(lyricsDoc)
	if err != nil {
		return nil, faults.Wrap(faults.ErrProvider, "", "lyrics generate", "encode content", err)
	}
	return &Result{ContentJSON: string(contentJSON), ScoreJSON: scoreJSON}, nil
}

func buildLyricsPrompt(payload statedoc.Doc) string {
	brief := strings.TrimSpace(statedoc.GetString(payload, "brief"))
	if brief == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Brief: ")
	b.WriteString(brief)
	if style := statedoc.GetString(payload, "style"); style != "" {
		b.WriteString("\nStyle: ")
		b.WriteString(style)
	}
	if language := statedoc.GetString(payload, "language"); language != "" {
		b.WriteString("\nLanguage: ")
		b.WriteString(language)
	}
	if seed, ok := statedoc.GetFloat(payload, "variant_seed"); ok {
		b.WriteString("\nVariation seed: ")
		b.WriteString(strconv.Itoa(int(seed)))
		b.WriteString(" (write a distinct take from other seeds)")
	}
	return b.String()
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("chat request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *LyricsClient) completeWithRetry(ctx context.Context, payload chatRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= llmRetryAttempts; attempt++ {
		content, err := c.sendOnce(ctx, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err

		delay, retry := retryDelay(ctx, err, attempt, llmRetryAttempts)
		if !retry {
			return "", classifyLLMError(err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", faults.Wrap(faults.ErrTransient, "", "lyrics generate",
		fmt.Sprintf("failed after %d attempts", llmRetryAttempts), lastErr)
}

func (c *LyricsClient) sendOnce(ctx context.Context, payload chatRequest) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("chat request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("chat request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("chat request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("chat request: decode response: %w", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("chat request: api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
		if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
			return "", fmt.Errorf("chat request: model refused: %s", refusal)
		}
	}
	return "", errors.New("chat request: empty choices")
}

func retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return capDelay(statusErr.RetryAfter), true
			}
			return backoffDelay(attempt), true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return backoffDelay(attempt), true
	}
	return 0, false
}

func backoffDelay(attempt int) time.Duration {
	delay := llmRetryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > llmRetryMaxDelay/2 {
			return llmRetryMaxDelay
		}
		delay *= 2
	}
	return capDelay(delay)
}

func capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if delay > llmRetryMaxDelay {
		return llmRetryMaxDelay
	}
	return delay
}

func (c *LyricsClient) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classifyLLMError(err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
			return faults.Wrap(faults.ErrConfiguration, "", "lyrics generate", "rejected credentials", err)
		}
		if statusErr.StatusCode >= http.StatusBadRequest && statusErr.StatusCode < http.StatusInternalServerError {
			return faults.Wrap(faults.ErrProvider, "", "lyrics generate", "rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.ErrTimeout, "", "lyrics generate", "request timed out", err)
	}
	return faults.Wrap(faults.ErrTransient, "", "lyrics generate", "request failed", err)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

// DecodeModelJSON decodes JSON from a model response, stripping code fences
// and extracting the outermost object when the model added prose around it.
func DecodeModelJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("empty payload")
	}
	directErr := json.Unmarshal([]byte(trimmed), target)
	if directErr == nil {
		return nil
	}
	sanitized := sanitizeJSONPayload(trimmed)
	if sanitized == "" || sanitized == trimmed {
		return directErr
	}
	if err := json.Unmarshal([]byte(sanitized), target); err != nil {
		return err
	}
	return nil
}

func sanitizeJSONPayload(content string) string {
	trimmed := strings.TrimSpace(stripCodeFence(content))
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return strings.TrimSpace(trimmed[start : end+1])
		}
	}
	return trimmed
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := trimmed[3:]
	body = strings.TrimLeft(body, " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = strings.TrimLeft(body[4:], " \t\r\n")
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
