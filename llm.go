package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Fixed fallback texts. The DNS layer always gets a well-formed answer,
// so backend failures surface as these instead of wire-level errors.
const (
	llmErrorText   = "error contacting language model"
	llmTimeoutText = "Request timed out"
)

// llmClient streams completions from an Ollama-compatible chat endpoint.
type llmClient struct {
	url      string
	model    string
	maxChars int
	deadline time.Duration
	client   *http.Client
	log      *slog.Logger
	metrics  metricsRecorder
}

func newLLMClient(cfg *Config, log *slog.Logger, metrics metricsRecorder) *llmClient {
	return &llmClient{
		url:      fmt.Sprintf("%s://%s:%d/api/chat", cfg.LLM.Protocol, cfg.LLM.Host, cfg.LLM.Port),
		model:    cfg.LLM.Model,
		maxChars: cfg.MaxChars,
		deadline: cfg.Deadline(),
		client:   &http.Client{},
		log:      log,
		metrics:  metrics,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// stream posts the prompt and sends each content delta on out, closing it
// when the backend reports done, the stream errors, or ctx expires. The
// consumer may stop reading at any time; cancelling ctx releases the
// connection.
func (c *llmClient) stream(ctx context.Context, prompt string, out chan<- string) error {
	defer close(out)

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Stream:   true,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm backend returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			select {
			case out <- chunk.Message.Content:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if chunk.Done {
			return nil
		}
	}
	return scanner.Err()
}

// generate runs one bounded completion. Accumulation stops when the
// answer reaches maxChars or the deadline passes; both are normal
// termination and the partial text is kept. Only a backend that fails
// before producing anything yields the fixed fallback text.
func (c *llmClient) generate(parent context.Context, prompt string) string {
	timer := c.metrics.GetGenerateTimer()
	defer c.metrics.ObserveTimer(timer)

	ctx, cancel := context.WithTimeout(parent, c.deadline)
	defer cancel()

	out := make(chan string)
	errc := make(chan error, 1)
	go func() { errc <- c.stream(ctx, prompt, out) }()

	var b strings.Builder
	var streamErr error
	capped, finished := false, false
loop:
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				finished = true
				streamErr = <-errc
				break loop
			}
			b.WriteString(chunk)
			if b.Len() >= c.maxChars {
				capped = true
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}

	text := b.String()
	if text == "" {
		// A deadline that expired with nothing accumulated is normal
		// termination; only a real transport failure is a backend error.
		if finished && streamErr != nil && !errors.Is(streamErr, context.DeadlineExceeded) {
			c.log.Warn("llm request failed", "url", c.url, "err", streamErr)
			c.metrics.IncBackendErrors()
			return llmErrorText
		}
		return llmTimeoutText
	}
	if finished && streamErr != nil {
		c.log.Warn("llm stream ended early", "err", streamErr)
	}

	if len(text) > c.maxChars {
		text = truncateText(text, c.maxChars)
	}
	if capped {
		// The model was still talking; mark the cut.
		text = ellipsize(text)
	}
	return text
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func ellipsize(s string) string {
	if len(s) < 3 {
		return s
	}
	return truncateText(s, len(s)-3) + "..."
}
