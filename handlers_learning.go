package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/appctx"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/mmdatafocus/vat_reconciliation/workflow"
	"github.com/sirupsen/logrus"
)

const maxCorrectionListLimit = 500

type toggleRuleRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

type outboxReplayRequest struct {
	BusinessId string `json:"business_id" binding:"required"`
	Id         int    `json:"id" binding:"required,gt=0"`
}

func recordCorrectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input reconcile.CorrectionInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		correction, err := models.RecordCorrection(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusCreated, correction)
	}
}

// correctionFilterFromQuery reads entity_type, field_name, since (RFC3339 or
// YYYY-MM-DD) and limit.
func correctionFilterFromQuery(c *gin.Context) (models.CorrectionFilter, error) {
	var filter models.CorrectionFilter
	if raw := strings.TrimSpace(c.Query("entity_type")); raw != "" {
		entity, err := reconcile.ParseCorrectionEntityType(raw)
		if err != nil {
			return filter, err
		}
		filter.EntityType = &entity
	}
	if raw := strings.TrimSpace(c.Query("field_name")); raw != "" {
		filter.FieldName = &raw
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			since, err = time.Parse("2006-01-02", raw)
		}
		if err != nil {
			return filter, reconcile.Validationf("invalid since %q", raw)
		}
		filter.Since = &since
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, reconcile.Validationf("invalid limit %q", raw)
		}
		if n > maxCorrectionListLimit {
			n = maxCorrectionListLimit
		}
		filter.Limit = n
	}
	return filter, nil
}

func listCorrectionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := correctionFilterFromQuery(c)
		if err != nil {
			respondError(c, err)
			return
		}
		corrections, err := models.ListCorrections(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, corrections)
	}
}

func listRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.RuleFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
			return
		}
		rules, err := models.ListRules(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, rules)
	}
}

func activeRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := models.ListActiveRules(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, rules)
	}
}

func toggleRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleId, ok := pathInt(c, "ruleId")
		if !ok {
			return
		}
		var req toggleRuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "is_active is required"})
			return
		}
		rule, err := models.ToggleRule(c.Request.Context(), ruleId, *req.IsActive)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, rule)
	}
}

func analyzeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok || businessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "business not resolved"})
			return
		}
		var filter workflow.AnalyzeFilter
		if !bindOptionalJSON(c, &filter) {
			return
		}
		result, err := workflow.AnalyzeCorrections(ctx, businessId, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, result)
	}
}

// outboxReplayHandler requeues a failed or dead correction event for any business.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and id are required"})
			return
		}
		ctx := appctx.Internal(c.Request.Context())
		row, err := models.ReplayCorrectionOutbox(ctx, req.BusinessId, req.Id)
		if err != nil {
			respondError(c, err)
			return
		}
		operator, _ := utils.GetUserNameFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":       "outboxReplayHandler",
			"business_id": req.BusinessId,
			"outbox_id":   req.Id,
			"operator":    operator,
		}).Warn("[ops] correction outbox row requeued")
		respondData(c, http.StatusOK, row)
	}
}
