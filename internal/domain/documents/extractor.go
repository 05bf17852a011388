package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/platform/blobstore"
	"github.com/healthvault/healthvault/internal/platform/hipaa"
	"github.com/healthvault/healthvault/internal/platform/resilience"
)

// ExtractionDependency names the text-extraction service in the breaker
// registry.
const ExtractionDependency = "extraction"

// Extraction is the text recognised in a source image.
type Extraction struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Extractor recognises the text of a stored source document. Failures of
// the remote call are *resilience.CallError values.
type Extractor interface {
	Extract(ctx context.Context, userID uuid.UUID, sourceRef string) (Extraction, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, userID uuid.UUID, sourceRef string) (Extraction, error)

func (f ExtractorFunc) Extract(ctx context.Context, userID uuid.UUID, sourceRef string) (Extraction, error) {
	return f(ctx, userID, sourceRef)
}

// HTTPExtractor loads the encrypted source from the blob store, decrypts it
// and posts the bytes to the extraction service, which answers
// {"text","confidence"}. The call runs through the resilient client.
type HTTPExtractor struct {
	url    string
	http   *http.Client
	client *resilience.Client
	blobs  blobstore.BlobStore
	enc    hipaa.FieldEncryptor
}

func NewHTTPExtractor(url string, httpClient *http.Client, client *resilience.Client, blobs blobstore.BlobStore, enc hipaa.FieldEncryptor) *HTTPExtractor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPExtractor{url: url, http: httpClient, client: client, blobs: blobs, enc: enc}
}

func (x *HTTPExtractor) Extract(ctx context.Context, userID uuid.UUID, sourceRef string) (Extraction, error) {
	owner := userID.String()
	sealed, meta, err := blobstore.ReadAll(ctx, x.blobs, owner, sourceRef)
	if err != nil {
		return Extraction{}, fmt.Errorf("load source: %w", err)
	}
	image, err := x.enc.DecryptBytes(sealed, []byte(owner))
	if err != nil {
		return Extraction{}, fmt.Errorf("decrypt source: %w", err)
	}

	return resilience.Do(ctx, x.client, ExtractionDependency, func(ctx context.Context) (Extraction, error) {
		return x.post(ctx, image, meta.ContentType)
	})
}

func (x *HTTPExtractor) post(ctx context.Context, image []byte, contentType string) (Extraction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.url, bytes.NewReader(image))
	if err != nil {
		return Extraction{}, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := x.http.Do(req)
	if err != nil {
		return Extraction{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Extraction{}, fmt.Errorf("extraction: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Extraction{}, resilience.Permanent(fmt.Errorf("extraction: status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var out Extraction
	if err := json.Unmarshal(body, &out); err != nil {
		return Extraction{}, fmt.Errorf("extraction: decode response: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Extraction{}, resilience.Permanent(fmt.Errorf("extraction: confidence %v outside [0,1]", out.Confidence))
	}
	return out, nil
}
