package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/classifier"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/sirupsen/logrus"
)

type createSessionRequest struct {
	Period string `json:"period" binding:"required"`
}

func listSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *reconcile.SessionStatus
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			s, err := reconcile.ParseSessionStatus(raw)
			if err != nil {
				respondError(c, err)
				return
			}
			status = &s
		}
		sessions, err := models.ListSessions(c.Request.Context(), status)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, sessions)
	}
}

func createSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period is required"})
			return
		}
		session, err := models.CreateSession(c.Request.Context(), strings.TrimSpace(req.Period))
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusCreated, session)
	}
}

func getSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		view, err := models.GetSession(c.Request.Context(), sessionId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, view)
	}
}

func completeSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		session, err := models.CompleteSession(c.Request.Context(), sessionId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, session)
	}
}

func signUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SourceUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		signed, err := models.SignSourceFileUpload(c.Request.Context(), &req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, signed)
	}
}

func attachFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewSourceFile
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		file, err := models.AttachSourceFile(c.Request.Context(), &req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusCreated, file)
	}
}

func downloadFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fileId, ok := pathInt(c, "fileId")
		if !ok {
			return
		}
		link, err := models.SourceFileDownload(c.Request.Context(), fileId)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, link)
	}
}

// ingestRow is one parsed row as the upload pipeline posts it. Amounts accept
// formatted strings such as "PHP 1,120.00" or "(500.00)".
type ingestRow struct {
	RowIndex    int                  `json:"row_index"`
	SourceType  reconcile.SourceType `json:"source_type"`
	Date        string               `json:"date"`
	Description *string              `json:"description"`
	Amount      utils.Amount         `json:"amount"`
	VatAmount   *utils.Amount        `json:"vat_amount"`
	Tin         *string              `json:"tin"`
}

type classifyRowsRequest struct {
	Rows []ingestRow `json:"rows" binding:"required"`
}

var rowDateLayouts = []string{"2006-01-02", time.RFC3339, "01/02/2006", "2006/01/02", "Jan 2, 2006", "02-Jan-2006"}

func parseRowDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range rowDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := reconcile.DateOf(t)
			return &d, nil
		}
	}
	return nil, reconcile.Validationf("unrecognized date %q", raw)
}

func (r ingestRow) raw() (classifier.RawRow, error) {
	date, err := parseRowDate(r.Date)
	if err != nil {
		return classifier.RawRow{}, reconcile.Validationf("row %d: %v", r.RowIndex, err)
	}
	row := classifier.RawRow{
		SourceType:  r.SourceType,
		RowIndex:    r.RowIndex,
		Date:        date,
		Description: r.Description,
		Amount:      r.Amount.Decimal,
		Tin:         r.Tin,
	}
	if r.VatAmount != nil {
		v := r.VatAmount.Decimal
		row.VatAmount = &v
	}
	return row, nil
}

func classifyRowsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		fileId, ok := pathInt(c, "fileId")
		if !ok {
			return
		}
		var req classifyRowsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		rows := make([]classifier.RawRow, 0, len(req.Rows))
		for _, r := range req.Rows {
			raw, err := r.raw()
			if err != nil {
				respondError(c, err)
				return
			}
			rows = append(rows, raw)
		}

		report, err := models.ClassifySourceFile(c.Request.Context(), sessionId, fileId, rows, rowClassifier)
		if err != nil {
			respondError(c, err)
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":          "classifyRowsHandler",
			"business_id":    businessId,
			"session_id":     sessionId,
			"source_file_id": fileId,
			"rows":           report.Rows,
		}).Info("[classify.rows]")
		respondData(c, http.StatusOK, report)
	}
}

func listTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		var filter models.TransactionFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
			return
		}
		rows, err := models.ListSessionTransactions(c.Request.Context(), sessionId, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, rows)
	}
}

func editTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := pathInt(c, "id")
		if !ok {
			return
		}
		txnId, ok := pathInt(c, "txnId")
		if !ok {
			return
		}
		var edit models.ClassificationEdit
		if err := c.ShouldBindJSON(&edit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		row, corrections, err := models.UpdateTransactionClassification(c.Request.Context(), sessionId, txnId, &edit)
		if err != nil {
			respondError(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"transaction": row, "corrections": corrections})
	}
}
