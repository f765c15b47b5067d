package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"supporter-ledger/internal/dto"
	"supporter-ledger/internal/middleware"
	"supporter-ledger/internal/model"
	"supporter-ledger/internal/repository"
	"supporter-ledger/internal/service"
)

type QueryHandler struct {
	queryService  service.QueryService
	ingestService service.IngestService
}

func NewQueryHandler(queryService service.QueryService, ingestService service.IngestService) *QueryHandler {
	return &QueryHandler{
		queryService:  queryService,
		ingestService: ingestService,
	}
}

// GetMyEntitlement answers for the authenticated caller.
func (h *QueryHandler) GetMyEntitlement(c echo.Context) error {
	return h.entitlement(c, middleware.UserID(c), c.Param("productID"))
}

func (h *QueryHandler) GetEntitlement(c echo.Context) error {
	return h.entitlement(c, c.Param("userID"), c.Param("productID"))
}

func (h *QueryHandler) entitlement(c echo.Context, userID, productID string) error {
	ctx := c.Request().Context()

	active, err := h.queryService.HasActiveEntitlement(ctx, userID, productID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &dto.EntitlementResponse{
		UserID:    userID,
		ProductID: productID,
		Active:    active,
	})
}

func (h *QueryHandler) ListSupporters(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}

	supporters, err := h.queryService.ListSupporters(ctx, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, supporters)
}

// ListTransactions serves the admin report. from and to are RFC 3339.
func (h *QueryHandler) ListTransactions(c echo.Context) error {
	ctx := c.Request().Context()

	filter := &repository.TransactionFilter{
		Status:   model.TransactionStatus(c.QueryParam("status")),
		Provider: model.Provider(c.QueryParam("provider")),
	}
	if filter.Provider != "" && !filter.Provider.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown provider")
	}
	switch filter.Status {
	case "", model.StatusPending, model.StatusCompleted, model.StatusFailed, model.StatusRefunded:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}

	var err error
	if filter.From, err = timeParam(c, "from"); err != nil {
		return err
	}
	if filter.To, err = timeParam(c, "to"); err != nil {
		return err
	}
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}

	report, err := h.queryService.ListTransactions(ctx, filter)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, report)
}

func (h *QueryHandler) ListAnomalies(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}

	anomalies, err := h.queryService.ListAnomalies(ctx, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, anomalies)
}

func (h *QueryHandler) ResolveAnomaly(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid anomaly id")
	}

	err = h.ingestService.ResolveAnomaly(ctx, uint(id))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no open anomaly with that id")
	}
	if err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

type linkRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

// LinkTransaction is the operator override for identity resolution.
func (h *QueryHandler) LinkTransaction(c echo.Context) error {
	ctx := c.Request().Context()

	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.ingestService.Link(ctx, c.Param("id"), req.UserID)
	switch {
	case errors.Is(err, service.ErrUnknownAccount):
		return echo.NewHTTPError(http.StatusBadRequest, "account not found")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
	case err != nil:
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction": res.Transaction,
		"grant":       res.Grant,
	})
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}

func timeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+", want RFC 3339")
	}
	t = t.UTC()
	return &t, nil
}
