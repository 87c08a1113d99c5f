package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/appctx"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/mmdatafocus/vat_reconciliation/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PubSubMessage is the push envelope Pub/Sub posts to the endpoint.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushTokenValid checks the optional shared token configured on the push subscription URL.
func pushTokenValid(c *gin.Context) bool {
	expected := strings.TrimSpace(os.Getenv("PUBSUB_PUSH_TOKEN"))
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(expected)) == 1
}

// correctionPubSubHandler runs a targeted learning pass for each pushed correction
// event. Malformed and poisoned messages are acked; processing failures return 500
// so Pub/Sub redelivers.
func correctionPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		if !pushTokenValid(c) {
			c.Status(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "pubsub_handler.go", "correctionPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "pubsub_handler.go", "correctionPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var evt config.CorrectionEvent
		if err := json.Unmarshal(msg.Message.Data, &evt); err != nil {
			config.LogError(logger, "pubsub_handler.go", "correctionPubSubHandler", "Unmarshal correction event", string(msg.Message.Data), err)
			config.GetMetrics().PubSubMessagesTotal.WithLabelValues("malformed").Inc()
			c.Status(http.StatusNoContent)
			return
		}
		if evt.BusinessId == "" || msg.Message.ID == "" {
			config.LogError(logger, "pubsub_handler.go", "correctionPubSubHandler", "Invalid correction event", evt, fmt.Errorf("business_id and message id required"))
			config.GetMetrics().PubSubMessagesTotal.WithLabelValues("malformed").Inc()
			c.Status(http.StatusNoContent)
			return
		}

		correlationId := evt.CorrelationId
		if correlationId == "" {
			correlationId = msg.Message.ID
		}
		ctx := appctx.WithBusiness(c.Request.Context(), evt.BusinessId, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		ctx, span := tracer.Start(ctx, "pubsub.corrections")
		defer span.End()
		span.SetAttributes(
			attribute.String("business_id", evt.BusinessId),
			attribute.String("message_id", msg.Message.ID),
			attribute.Int("correction_id", evt.CorrectionId),
		)

		fields := logrus.Fields{
			"field":          "correctionPubSubHandler",
			"business_id":    evt.BusinessId,
			"correction_id":  evt.CorrectionId,
			"message_id":     msg.Message.ID,
			"correlation_id": correlationId,
		}
		skipped, err := workflow.ProcessCorrectionMessage(ctx, msg.Message.ID, evt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if reconcile.IsValidation(err) {
				logger.WithFields(fields).Warn("dropping invalid correction event: " + err.Error())
				c.Status(http.StatusNoContent)
				return
			}
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				logger.WithFields(fields).Info("correction event already in progress; asking for redelivery")
			} else {
				logger.WithFields(fields).Error("correction event processing failed: " + err.Error())
			}
			c.Status(http.StatusInternalServerError)
			return
		}
		if skipped {
			logger.WithFields(fields).Info("duplicate correction event skipped")
		}
		c.Status(http.StatusNoContent)
	}
}
