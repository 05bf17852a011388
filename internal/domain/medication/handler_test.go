package medication

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthvault/healthvault/internal/platform/auth"
	"github.com/healthvault/healthvault/internal/platform/errcode"
)

func newTestServer(f *fixture, user uuid.UUID) *echo.Echo {
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
	NewHandler(f.svc).RegisterRoutes(api)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) errcode.Code {
	t.Helper()
	var body errcode.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Code
}

func TestHandler_AddMedication(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, f.user)

	rec := do(e, http.MethodPost, "/api/v1/medications",
		`{"name":"Warfarin","dosage":"5mg","schedule":{"times":["08:00","20:00"]}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res AddResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Medication == nil || res.Medication.Name != "Warfarin" || len(res.Medication.Schedule.Times) != 2 {
		t.Errorf("unexpected medication %+v", res.Medication)
	}
	if res.Safety == nil {
		t.Error("expected safety result")
	}
}

func TestHandler_AddMedication_Invalid(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, f.user)

	rec := do(e, http.MethodPost, "/api/v1/medications", `{"name":"","dosage":"5mg","schedule":{"times":["08:00"]}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeCode(t, rec); code != errcode.BadRequest {
		t.Errorf("expected REQ_001, got %s", code)
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, uuid.Nil)

	rec := do(e, http.MethodGet, "/api/v1/medications", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_GetMedication(t *testing.T) {
	f := newFixture()
	m := f.seed(t, "Aspirin", StatusActive, testNow.AddDate(0, -1, 0), nil)
	e := newTestServer(f, f.user)

	rec := do(e, http.MethodGet, "/api/v1/medications/"+m.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/medications/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound || decodeCode(t, rec) != errcode.MedicationNotFound {
		t.Errorf("expected 404 MED_004, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/v1/medications/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad id, got %d", rec.Code)
	}
}

func TestHandler_ListMedications(t *testing.T) {
	f := newFixture()
	f.seed(t, "Aspirin", StatusActive, testNow, nil)
	f.seed(t, "Ibuprofen", StatusStopped, testNow, nil)
	e := newTestServer(f, f.user)

	rec := do(e, http.MethodGet, "/api/v1/medications?status=active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []Medication `json:"data"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0].Name != "Aspirin" {
		t.Errorf("unexpected list %+v", body)
	}

	rec = do(e, http.MethodGet, "/api/v1/medications?status=paused", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestHandler_RecordDoseConflict(t *testing.T) {
	f := newFixture()
	m := f.seed(t, "Aspirin", StatusActive, testNow.AddDate(0, -1, 0), nil)
	e := newTestServer(f, f.user)
	path := "/api/v1/medications/" + m.ID.String() + "/logs"
	body := `{"scheduled_at":"2026-03-11T09:00:00Z","status":"taken"}`

	rec := do(e, http.MethodPost, path, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, path, `{"scheduled_at":"2026-03-11T09:00:00Z","status":"skipped"}`)
	if rec.Code != http.StatusConflict || decodeCode(t, rec) != errcode.LogImmutable {
		t.Errorf("expected 409 MED_005, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_AdherenceRange(t *testing.T) {
	f := newFixture()
	m := f.seed(t, "Aspirin", StatusActive, testNow.AddDate(0, -1, 0), nil)
	e := newTestServer(f, f.user)
	base := "/api/v1/medications/" + m.ID.String() + "/adherence"

	rec := do(e, http.MethodGet, base+"?from=2026-03-09T00:00:00Z&to=2026-03-10T23:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report struct {
		Total  int     `json:"total"`
		Missed int     `json:"missed"`
		Rate   float64 `json:"rate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Total != 2 || report.Missed != 2 || report.Rate != 0 {
		t.Errorf("unexpected report %+v", report)
	}

	rec = do(e, http.MethodGet, base+"?from=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed timestamp, got %d", rec.Code)
	}
}
