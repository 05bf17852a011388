package medication

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthvault/healthvault/internal/platform/auth"
	"github.com/healthvault/healthvault/internal/platform/errcode"
	"github.com/healthvault/healthvault/pkg/pagination"
)

// defaultRange is the look-back used when a range query omits "from".
const defaultRange = 30 * 24 * time.Hour

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/medications")
	g.POST("", h.AddMedication)
	g.POST("/check", h.CheckMedication)
	g.GET("", h.ListMedications)
	g.GET("/:id", h.GetMedication)
	g.POST("/:id/stop", h.StopMedication)
	g.POST("/:id/logs", h.RecordDose)
	g.GET("/:id/logs", h.ListLogs)
	g.GET("/:id/adherence", h.GetAdherence)
}

func bindID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, errcode.New(errcode.BadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) AddMedication(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	var in NewMedication
	if err := c.Bind(&in); err != nil {
		return errcode.Wrap(errcode.BadRequest, "invalid request body", err)
	}
	res, err := h.svc.AddMedication(c.Request().Context(), userID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) CheckMedication(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	var in NewMedication
	if err := c.Bind(&in); err != nil {
		return errcode.Wrap(errcode.BadRequest, "invalid request body", err)
	}
	res, err := h.svc.CheckMedication(c.Request().Context(), userID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListMedications(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMedications(c.Request().Context(), userID, Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetMedication(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedication(c.Request().Context(), userID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) StopMedication(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.StopMedication(c.Request().Context(), userID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) RecordDose(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	var ev DoseEvent
	if err := c.Bind(&ev); err != nil {
		return errcode.Wrap(errcode.BadRequest, "invalid request body", err)
	}
	res, err := h.svc.RecordDose(c.Request().Context(), userID, id, ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListLogs(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	from, to, err := h.parseRange(c)
	if err != nil {
		return err
	}
	logs, err := h.svc.ListLogs(c.Request().Context(), userID, id, from, to)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []*MedicationLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

func (h *Handler) GetAdherence(c echo.Context) error {
	userID, err := auth.UserID(c)
	if err != nil {
		return err
	}
	id, err := bindID(c)
	if err != nil {
		return err
	}
	from, to, err := h.parseRange(c)
	if err != nil {
		return err
	}
	report, err := h.svc.GetAdherence(c.Request().Context(), userID, id, from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// parseRange reads RFC 3339 "from" and "to". "to" defaults to now and
// "from" to thirty days before "to".
func (h *Handler) parseRange(c echo.Context) (time.Time, time.Time, error) {
	to := h.svc.now().UTC()
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errcode.New(errcode.BadRequest, "to must be an RFC 3339 timestamp")
		}
		to = t
	}
	from := to.Add(-defaultRange)
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errcode.New(errcode.BadRequest, "from must be an RFC 3339 timestamp")
		}
		from = t
	}
	return from, to, nil
}
