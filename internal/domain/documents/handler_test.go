package documents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthvault/healthvault/internal/platform/auth"
	"github.com/healthvault/healthvault/internal/platform/errcode"
)

func newTestServer(f *coordFixture, user uuid.UUID) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = errcode.HTTPErrorHandler(e)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if user != uuid.Nil {
				req := c.Request()
				c.SetRequest(req.WithContext(auth.WithUser(req.Context(), user, nil)))
			}
			return next(c)
		}
	})
	h := NewHandler(NewService(f.runs, f.commits, f.enc), f.coord)
	h.RegisterRoutes(api)
	h.RegisterAdminRoutes(api.Group("/admin"))
	return e
}

func uploadRequest(t *testing.T, contentType string, body []byte, key string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="scan.jpg"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(body)
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	return req
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	return serve(e, httptest.NewRequest(http.MethodGet, path, nil))
}

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) errcode.Code {
	t.Helper()
	var body errcode.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Code
}

func TestHandler_UploadAndFetch(t *testing.T) {
	f := newCoordFixture(nil, 1)
	e := newTestServer(f, f.user)

	rec := serve(e, uploadRequest(t, "image/jpeg", []byte("JPEG-BYTES"), "k-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var run DocumentRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.State != StateExtracting || run.FileName != "scan.jpg" {
		t.Errorf("unexpected run %+v", run)
	}

	rec = serve(e, uploadRequest(t, "image/jpeg", []byte("JPEG-BYTES"), "k-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a repeated upload, got %d", rec.Code)
	}
	f.drain(t)

	rec = get(e, "/api/v1/documents/"+run.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stored map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &stored)
	if stored["state"] != string(StateCommitted) {
		t.Errorf("expected committed, got %v", stored["state"])
	}
	if _, leaked := stored["extracted_text"]; leaked {
		t.Error("extracted text must not be serialised on the run")
	}

	rec = get(e, "/api/v1/documents/"+run.ID.String()+"/data")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for data, got %d: %s", rec.Code, rec.Body.String())
	}
	var doc CommittedDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Data == nil || len(doc.Data.Medications()) != 3 {
		t.Errorf("unexpected committed data %+v", doc.Data)
	}

	rec = get(e, "/api/v1/documents?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", rec.Code)
	}
	var page struct {
		Data  []DocumentRun `json:"data"`
		Total int           `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Data) != 1 {
		t.Errorf("expected one run listed, got %d/%d", len(page.Data), page.Total)
	}
}

func TestHandler_UploadErrors(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		user        bool
		wantStatus  int
		wantCode    errcode.Code
	}{
		{"unsupported type", "text/plain", []byte("hello"), true, http.StatusUnsupportedMediaType, errcode.InvalidFormat},
		{"too large", "image/png", bytes.Repeat([]byte("x"), 100), true, http.StatusRequestEntityTooLarge, errcode.SizeExceeded},
		{"unauthenticated", "image/png", []byte("x"), false, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordFixture(nil, 1)
			user := uuid.Nil
			if tt.user {
				user = f.user
			}
			e := newTestServer(f, user)

			rec := serve(e, uploadRequest(t, tt.contentType, tt.body, ""))
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantCode != "" {
				if got := decodeCode(t, rec); got != tt.wantCode {
					t.Errorf("expected %s, got %s", tt.wantCode, got)
				}
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		f := newCoordFixture(nil, 1)
		e := newTestServer(f, f.user)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", nil)
		rec := serve(e, req)
		if rec.Code != http.StatusBadRequest || decodeCode(t, rec) != errcode.BadRequest {
			t.Errorf("expected 400 REQ_001, got %d", rec.Code)
		}
	})
}

func TestHandler_DataRequiresCommittedRun(t *testing.T) {
	f := newCoordFixture(nil, 1)
	e := newTestServer(f, f.user)
	run := f.seedRun(StateParseFailed)

	rec := get(e, fmt.Sprintf("/api/v1/documents/%s/data", run.ID))
	if rec.Code != http.StatusNotFound || decodeCode(t, rec) != errcode.DocumentNotFound {
		t.Errorf("expected 404 DOC_005, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = get(e, "/api/v1/documents/"+uuid.NewString())
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown run, got %d", rec.Code)
	}

	rec = get(e, "/api/v1/documents/not-a-uuid")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed id, got %d", rec.Code)
	}
}

func TestHandler_RetryCommitAndSweep(t *testing.T) {
	f := newCoordFixture(nil, 1)
	e := newTestServer(f, f.user)
	parsed := f.seedRun(StateParsed)

	rec := serve(e, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+parsed.ID.String()+"/retry-commit", nil))
	if rec.Code != http.StatusConflict || decodeCode(t, rec) != errcode.DocumentBusy {
		t.Errorf("expected 409 DOC_006, got %d: %s", rec.Code, rec.Body.String())
	}

	failed := f.seedRun(StateCommitFailed)
	failed.Data = &MedicalData{Entities: []Entity{DiagnosisEntity(Diagnosis{Description: "Asthma"})}}
	f.runs.put(failed)
	rec = serve(e, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+failed.ID.String()+"/retry-commit", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, httptest.NewRequest(http.MethodPost, "/api/v1/admin/documents/sweep", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sweep, got %d", rec.Code)
	}
	f.drain(t)

	stored, _ := f.runs.Get(t.Context(), f.user, failed.ID)
	if stored.State != StateCommitted {
		t.Errorf("expected committed after retry, got %s", stored.State)
	}
}
