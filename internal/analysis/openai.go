package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reviewline/internal/domain"
)

const reviewSystemPrompt = `You are an expert pull request reviewer. Analyze the supplied diff segments for:
- code style and formatting issues
- potential bugs or errors
- performance improvements
- best practices and security problems

For each issue, identify the file, the line number when the diff makes it
clear, and give a concrete suggestion. Respond with a JSON object of the form
{"findings": [{"path": string, "line": number|null, "severity": "bug"|"security"|"performance"|"style"|"best_practice", "message": string, "suggestion": string}]}.
Report an empty findings array when the changes look fine.`

// OpenAIConfig configures the chat-completions provider.
type OpenAIConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
}

// OpenAIProvider calls an OpenAI-compatible chat-completions endpoint and
// parses its structured JSON answer into findings.
type OpenAIProvider struct {
	cfg  OpenAIConfig
	http *http.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{cfg: cfg, http: &http.Client{}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type findingsPayload struct {
	Findings []struct {
		Path       string `json:"path"`
		Line       *int   `json:"line"`
		Severity   string `json:"severity"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion"`
	} `json:"findings"`
}

func (p *OpenAIProvider) Analyze(ctx context.Context, req Request) ([]domain.Finding, error) {
	if len(req.Files) == 0 {
		return nil, &PermanentError{Err: fmt.Errorf("no file changes in request")}
	}
	body := chatRequest{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: reviewSystemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
	}
	body.ResponseFormat.Type = "json_object"
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("marshal request: %w", err)}
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	res, err := p.http.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if err := classifyStatus(res, data); err != nil {
		return nil, err
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode provider response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &PermanentError{Err: fmt.Errorf("provider error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &TransientError{Err: fmt.Errorf("provider returned no choices")}
	}
	return parseFindings(parsed.Choices[0].Message.Content)
}

func classifyStatus(res *http.Response, body []byte) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			RetryAfter: retryAfter(res),
			Err:        fmt.Errorf("status 429: %s", snippet(body)),
		}
	case res.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("status %d: %s", res.StatusCode, snippet(body))}
	default:
		return &PermanentError{Err: fmt.Errorf("status %d: %s", res.StatusCode, snippet(body))}
	}
}

func retryAfter(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// parseFindings decodes the model's JSON answer. A malformed answer is
// permanent: resending the same input would produce the same rejection class.
func parseFindings(content string) ([]domain.Finding, error) {
	var payload findingsPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("provider returned non-JSON findings: %w", err)}
	}
	findings := make([]domain.Finding, 0, len(payload.Findings))
	for _, f := range payload.Findings {
		severity := f.Severity
		switch severity {
		case "bug", "security", "performance", "style", "best_practice":
		default:
			severity = "best_practice"
		}
		findings = append(findings, domain.Finding{
			Path:       f.Path,
			Line:       f.Line,
			Severity:   severity,
			Message:    f.Message,
			Suggestion: f.Suggestion,
		})
	}
	return findings, nil
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pull request: %s\n", orNA(req.Title))
	fmt.Fprintf(&b, "Description: %s\n", orNA(req.Description))
	fmt.Fprintf(&b, "Diff segment %d, %d file(s):\n\n", req.UnitIndex, len(req.Files))
	for _, f := range req.Files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Diff)
	}
	return b.String()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
