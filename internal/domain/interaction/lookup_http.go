package interaction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/healthvault/healthvault/internal/platform/resilience"
)

// Lookup queries the external interaction knowledge service for one pair.
type Lookup interface {
	Lookup(ctx context.Context, key PairKey) (Verdict, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, key PairKey) (Verdict, error)

func (f LookupFunc) Lookup(ctx context.Context, key PairKey) (Verdict, error) { return f(ctx, key) }

type lookupRequest struct {
	DrugA string `json:"drug_a"`
	DrugB string `json:"drug_b"`
}

type lookupResponse struct {
	Interaction    bool   `json:"interaction"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// HTTPLookup calls POST {url} with {"drug_a","drug_b"}.
type HTTPLookup struct {
	url    string
	client *http.Client
}

func NewHTTPLookup(url string, client *http.Client) *HTTPLookup {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPLookup{url: url, client: client}
}

func (l *HTTPLookup) Lookup(ctx context.Context, key PairKey) (Verdict, error) {
	payload, err := json.Marshal(lookupRequest{DrugA: key.A, DrugB: key.B})
	if err != nil {
		return Verdict{}, resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Verdict{}, fmt.Errorf("interaction lookup: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Verdict{}, resilience.Permanent(fmt.Errorf("interaction lookup: status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var out lookupResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Verdict{}, fmt.Errorf("interaction lookup: decode response: %w", err)
	}
	if !out.Interaction {
		return Verdict{Found: false}, nil
	}
	sev, err := ParseSeverity(out.Severity)
	if err != nil {
		return Verdict{}, resilience.Permanent(fmt.Errorf("interaction lookup: %w", err))
	}
	if sev == SeverityNone {
		sev = SeverityMild
	}
	return Verdict{
		Found:          true,
		Severity:       sev,
		Description:    out.Description,
		Recommendation: out.Recommendation,
	}, nil
}
