package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"supporter-ledger/internal/dto"
	"supporter-ledger/internal/middleware"
	"supporter-ledger/internal/service"
)

var validate = validator.New()

type CheckoutHandler struct {
	checkoutService service.CheckoutService
}

func NewCheckoutHandler(checkoutService service.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{
		checkoutService: checkoutService,
	}
}

type createCheckoutFunc func(ctx context.Context, userID string, req *dto.CheckoutRequest) (*dto.CheckoutResponse, error)

func (h *CheckoutHandler) CreateStripeCheckout(c echo.Context) error {
	return h.create(c, h.checkoutService.CreateStripeCheckout)
}

func (h *CheckoutHandler) CreateSquarePaymentLink(c echo.Context) error {
	return h.create(c, h.checkoutService.CreateSquarePaymentLink)
}

func (h *CheckoutHandler) create(c echo.Context, fn createCheckoutFunc) error {
	ctx := c.Request().Context()

	var req dto.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := fn(ctx, middleware.UserID(c), &req)
	switch {
	case errors.Is(err, service.ErrUnknownAccount):
		return echo.NewHTTPError(http.StatusForbidden, "account not found")
	case errors.Is(err, service.ErrInvalidCheckout):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrCheckoutUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, service.ErrCheckoutUnavailable.Error())
	case err != nil:
		return err
	}

	return c.JSON(http.StatusOK, resp)
}
