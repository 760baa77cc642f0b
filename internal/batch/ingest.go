package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// Payload is the ingestion request for one deposit.
type Payload struct {
	DepositID   string      `json:"depositId"`
	ExternalRef string      `json:"externalRef"`
	Submitter   string      `json:"submitter"`
	Title       string      `json:"title"`
	Metadata    model.Table `json:"metadata"`
	Citations   model.Table `json:"citations"`
	SourceURL   string      `json:"sourceUrl,omitempty"`
	SubmittedAt time.Time   `json:"submittedAt"`
	Attempt     int         `json:"attempt"`
}

// PayloadFor builds the ingestion payload of d.
func PayloadFor(d *model.Deposit) Payload {
	return Payload{
		DepositID:   d.ID,
		ExternalRef: d.ExternalRef,
		Submitter:   d.Submitter,
		Title:       d.Title,
		Metadata:    d.Metadata,
		Citations:   d.Citations,
		SourceURL:   d.SourceURL,
		SubmittedAt: d.SubmittedAt,
		Attempt:     d.ProcessingAttempts,
	}
}

// Ingester hands a deposit to the downstream index.
type Ingester interface {
	Ingest(ctx context.Context, p Payload) error
}

// NoopIngester accepts everything. Used for dry runs.
type NoopIngester struct{}

// Ingest implements Ingester.
func (NoopIngester) Ingest(context.Context, Payload) error { return nil }

// HTTPIngester posts payloads as JSON to an index endpoint.
type HTTPIngester struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPIngester builds an ingester. A zero timeout defaults to 30s.
func NewHTTPIngester(endpoint, token string, timeout time.Duration) *HTTPIngester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPIngester{
		endpoint: strings.TrimSpace(endpoint),
		token:    strings.TrimSpace(token),
		client:   &http.Client{Timeout: timeout},
	}
}

// Ingest posts p and treats any non-2xx answer as a failure.
func (h *HTTPIngester) Ingest(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.DepositID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post deposit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("index responded %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
