package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/orchestrator"
	"github.com/jun/drivesync/internal/scheduler"
)

// SyncEngine is the part of the orchestrator exposed to operators.
type SyncEngine interface {
	Status(ctx context.Context) (orchestrator.Status, error)
	SyncNow(ctx context.Context, since time.Time) (scheduler.Report, error)
}

// SyncHandler reports sync status and triggers manual sweeps.
type SyncHandler struct {
	engine SyncEngine
	log    logrus.FieldLogger
}

func NewSyncHandler(engine SyncEngine, log logrus.FieldLogger) *SyncHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SyncHandler{engine: engine, log: log}
}

func (h *SyncHandler) Status(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	st, err := h.engine.Status(ctx)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return jsonResponse(http.StatusOK, st), nil
}

// Run sweeps now. An optional "since" query parameter (RFC 3339) lowers the
// bound for this sweep only.
func (h *SyncHandler) Run(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var since time.Time
	if raw := req.QueryStringParameters["since"]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return textResponse(http.StatusBadRequest, "since must be an RFC 3339 timestamp"), nil
		}
		since = t
	}

	report, err := h.engine.SyncNow(ctx, since)
	switch {
	case errors.Is(err, orchestrator.ErrNotAuthenticated), errors.Is(err, scheduler.ErrNotReady):
		return textResponse(http.StatusConflict, "Not connected to the provider"), nil
	case errors.Is(err, scheduler.ErrSweepInProgress), errors.Is(err, scheduler.ErrLeaseHeld):
		return textResponse(http.StatusConflict, "A sweep is already running"), nil
	case err != nil:
		h.log.WithError(err).Error("Manual sweep failed")
		return jsonResponse(http.StatusBadGateway, report), nil
	}
	return jsonResponse(http.StatusOK, report), nil
}
