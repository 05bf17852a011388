package documents

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthvault/healthvault/internal/platform/auth"
	"github.com/healthvault/healthvault/internal/platform/errcode"
	"github.com/healthvault/healthvault/pkg/pagination"
)

// IdempotencyHeader carries the client's idempotency key on upload.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	svc      *Service
	coord    *Coordinator
	maxBytes int64
}

func NewHandler(svc *Service, coord *Coordinator) *Handler {
	return &Handler{svc: svc, coord: coord, maxBytes: coord.validator.MaxBytes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/documents")
	g.POST("", h.Upload)
	g.GET("", h.ListRuns)
	g.GET("/:id", h.GetRun)
	g.GET("/:id/data", h.GetData)
	g.POST("/:id/retry-commit", h.RetryCommit)
}

// RegisterAdminRoutes mounts operator routes. The caller applies RBAC.
func (h *Handler) RegisterAdminRoutes(admin *echo.Group) {
	admin.POST("/documents/sweep", h.Sweep)
}

func bindID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, errcode.New(errcode.BadRequest, "invalid id")
	}
	return id, nil
}

// Upload accepts a multipart "file" and answers 202 with the run. A
// repeated upload answers 200 with the existing run.
func (h *Handler) Upload(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	file, err := c.FormFile("file")
	if err != nil {
		return errcode.New(errcode.BadRequest, "file is required")
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		return errcode.New(errcode.SizeExceeded, "document exceeds the upload limit")
	}
	src, err := file.Open()
	if err != nil {
		return errcode.Wrap(errcode.BadRequest, "could not open uploaded file", err)
	}
	defer src.Close()

	// Read one byte past the limit so the validator sees an oversize body.
	limit := h.maxBytes
	if limit <= 0 {
		limit = file.Size
	}
	body, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return errcode.Wrap(errcode.BadRequest, "could not read uploaded file", err)
	}

	run, created, err := h.coord.Submit(c.Request().Context(), userID, Upload{
		FileName:       file.Filename,
		ContentType:    file.Header.Get(echo.HeaderContentType),
		Body:           body,
		IdempotencyKey: c.Request().Header.Get(IdempotencyHeader),
	})
	if err != nil {
		return err
	}
	if !created {
		return c.JSON(http.StatusOK, run)
	}
	return c.JSON(http.StatusAccepted, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRuns(c.Request().Context(), userID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*DocumentRun{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRun(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	run, err := h.svc.GetRun(c.Request().Context(), userID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) GetData(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.GetCommitted(c.Request().Context(), userID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) RetryCommit(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	run, err := h.coord.RetryCommit(c.Request().Context(), userID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

func (h *Handler) Sweep(c echo.Context) error {
	n, err := h.coord.Sweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": n})
}
