package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/reconcile"
)

// HTTPClassifier calls the external AI classification service.
type HTTPClassifier struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewHTTPClassifier(baseURL, apiKey string, timeout time.Duration) (*HTTPClassifier, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("classifier base url is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("CLASSIFIER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClassifier{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(apiKey),
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

type classifyRequest struct {
	Rows  []RawRow         `json:"rows"`
	Rules []reconcile.Rule `json:"rules"`
}

type classifyResponse struct {
	Classifications []Classification `json:"classifications"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, rows []RawRow, rules []reconcile.Rule) ([]Classification, error) {
	if len(rows) == 0 {
		return []Classification{}, nil
	}
	payload, err := json.Marshal(classifyRequest{Rows: rows, Rules: rules})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed classifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	byRow := make(map[int]Classification, len(parsed.Classifications))
	for _, cl := range parsed.Classifications {
		if cl.Source == "" {
			cl.Source = reconcile.ClassificationSourceAI
		}
		byRow[cl.RowIndex] = cl
	}
	out := make([]Classification, len(rows))
	for i, r := range rows {
		cl, ok := byRow[r.RowIndex]
		if !ok {
			return nil, fmt.Errorf("classifier returned no result for row %d", r.RowIndex)
		}
		out[i] = cl
	}
	return out, nil
}
