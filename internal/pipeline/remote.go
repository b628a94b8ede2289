package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duynguyen-ops/chatloom/internal/bus"
)

// RemoteClassifier consumes the external classify service over HTTP.
type RemoteClassifier struct {
	url    string
	token  string
	client *http.Client
}

func NewRemoteClassifier(url, token string, timeout time.Duration) *RemoteClassifier {
	return &RemoteClassifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Message       bus.InboundMessage `json:"message"`
	RecentContext []string           `json:"recent_context,omitempty"`
}

func (c *RemoteClassifier) Classify(ctx context.Context, msg bus.InboundMessage, recentContext []string) (ClassifyResult, error) {
	var res ClassifyResult
	err := postJSON(ctx, c.client, c.url, c.token, classifyRequest{
		Message:       msg,
		RecentContext: recentContext,
	}, &res)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("classify service: %w", err)
	}
	return res, nil
}

// RemoteReplier consumes the external reply-generation service over HTTP.
type RemoteReplier struct {
	url    string
	token  string
	client *http.Client
}

func NewRemoteReplier(url, token string, timeout time.Duration) *RemoteReplier {
	return &RemoteReplier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type replyRequest struct {
	FocusThreadID string `json:"focus_thread_id,omitempty"`
	Context       string `json:"context"`
}

type replyResponse struct {
	Content string `json:"content"`
}

func (r *RemoteReplier) Reply(ctx context.Context, focusThreadID, contextText string) (string, error) {
	var res replyResponse
	err := postJSON(ctx, r.client, r.url, r.token, replyRequest{
		FocusThreadID: focusThreadID,
		Context:       contextText,
	}, &res)
	if err != nil {
		return "", fmt.Errorf("reply service: %w", err)
	}
	return res.Content, nil
}

// NoopReplier suppresses every reply. Used when no reply service is
// configured so the intake and threading pipeline still runs.
type NoopReplier struct{}

func (NoopReplier) Reply(context.Context, string, string) (string, error) { return "", nil }

// WebhookDispatcher posts outbound messages to a configured webhook. This
// is the narrow edge to the excluded platform transport layer.
type WebhookDispatcher struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookDispatcher(url, token string, timeout time.Duration) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, msg bus.OutboundMessage) error {
	if err := postJSON(ctx, d.client, d.url, d.token, msg, nil); err != nil {
		return fmt.Errorf("outbound webhook: %w", err)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
