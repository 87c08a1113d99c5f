package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/models"
)

type forcePairRequest struct {
	LedgerId int `json:"ledger_id" binding:"required,gt=0"`
	BankId   int `json:"bank_id" binding:"required,gt=0"`
}

func matchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		var req models.MatchRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		result, err := models.MatchSession(c.Request.Context(), sessionId, &req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, result)
	}
}

func forcePairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		var req forcePairRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ledger_id and bank_id are required"})
			return
		}
		result, err := models.ForceMatch(c.Request.Context(), sessionId, req.LedgerId, req.BankId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, result)
	}
}

func unpairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		txnId, ok := pathInt(c, "txnId")
		if !ok {
			return
		}
		result, err := models.Unpair(c.Request.Context(), sessionId, txnId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, result)
	}
}

func aggregateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		summary, err := models.AggregateSession(c.Request.Context(), sessionId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, summary)
	}
}

func summaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		summary, err := models.GetSessionSummary(c.Request.Context(), sessionId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, summary)
	}
}

func compareHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		var req models.CompareRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		cmp, err := models.CompareSession(c.Request.Context(), sessionId, &req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, cmp)
	}
}

func detectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		report, err := models.DetectSessionAnomalies(c.Request.Context(), sessionId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, report)
	}
}

func reconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		var req models.ReconcileRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		report, err := models.RunReconciliation(c.Request.Context(), sessionId, &req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, report)
	}
}

func listAnomaliesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		var filter models.AnomalyFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
			return
		}
		anomalies, err := models.ListAnomalies(c.Request.Context(), sessionId, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, anomalies)
	}
}

func resolveAnomalyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		anomalyId, ok := pathInt(c, "anomalyId")
		if !ok {
			return
		}
		var req models.AnomalyResolution
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		anomaly, err := models.ResolveAnomaly(c.Request.Context(), anomalyId, &req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, anomaly)
	}
}
