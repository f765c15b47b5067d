package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/datatypes"

	"supporter-ledger/internal/model"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
	"supporter-ledger/internal/service"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	registry         *provider.Registry
	ingestService    service.IngestService
	webhookEventRepo repository.WebhookEventRepository
}

func NewWebhookHandler(registry *provider.Registry, ingestService service.IngestService, webhookEventRepo repository.WebhookEventRepository) *WebhookHandler {
	return &WebhookHandler{
		registry:         registry,
		ingestService:    ingestService,
		webhookEventRepo: webhookEventRepo,
	}
}

// Receive handles POST /webhooks/:provider. A 2xx tells the provider to stop
// retrying, so it is only returned once the event is durably admitted or
// known to be useless.
func (h *WebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()
	p := model.Provider(c.Param("provider"))

	adapter, ok := h.registry.Get(p)
	if !ok || p == model.ProviderManual {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if len(body) > maxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	log := slog.With("provider", p)

	if err := adapter.Verify(body, c.Request().Header); err != nil {
		log.Warn("webhook rejected", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	}

	e, err := adapter.Parse(body, c.Request().Header)
	if errors.Is(err, provider.ErrIgnoredEvent) {
		h.record(c, adapter, body, nil, "ignored", nil)
		return c.NoContent(http.StatusOK)
	}
	if err != nil {
		log.Warn("webhook payload malformed", "error", err)
		h.record(c, adapter, body, nil, "malformed", err)
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	res, err := h.ingestService.Ingest(ctx, e, service.SourceWebhook)
	if err != nil {
		h.record(c, adapter, body, e, "error", err)
		if service.IsClientError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
		}
		log.Error("webhook ingest failed", "provider_transaction_id", e.ProviderTransactionID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "event not recorded, retry later")
	}

	h.record(c, adapter, body, e, string(res.Decision), nil)
	return c.JSON(http.StatusOK, map[string]string{"decision": string(res.Decision)})
}

// record keeps an audit row per delivery. A failure here is logged and
// otherwise ignored: the ledger row, not the audit row, is what matters.
func (h *WebhookHandler) record(c echo.Context, adapter provider.Adapter, body []byte, e *provider.DonationEvent, outcome string, cause error) {
	p := adapter.Provider()
	payload := auditPayload(body)
	if r, ok := adapter.(provider.Redactor); ok {
		payload = auditPayload(r.Redact(body))
	}
	row := &model.WebhookEvent{
		Provider:   p,
		Payload:    payload,
		Outcome:    outcome,
		ReceivedAt: time.Now().UTC(),
	}
	if e != nil {
		row.EventID = e.EventID
		row.EventType = e.EventType
	}
	if row.EventID == "" {
		sum := sha256.Sum256(body)
		row.EventID = hex.EncodeToString(sum[:])
	}
	if cause != nil {
		row.Error = cause.Error()
	}

	if err := h.webhookEventRepo.Record(c.Request().Context(), row); err != nil {
		slog.Error("record webhook event failed", "provider", p, "event_id", row.EventID, "error", err)
	}
}

// auditPayload stores JSON bodies as-is and anything else as a JSON string.
// A nil body is stored as null.
func auditPayload(body []byte) datatypes.JSON {
	if body == nil {
		return datatypes.JSON("null")
	}
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	b, _ := json.Marshal(string(body))
	return datatypes.JSON(b)
}
