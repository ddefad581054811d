package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter(t *testing.T, store Store, adminSecret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler := NewHandler(newTestPipeline(t, store), store, adminSecret)
	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validBody() map[string]any {
	return map[string]any{
		"transactionId": "TXN-100",
		"userId":        1001,
		"amount":        500,
		"timestamp":     "2024-11-05T14:00:00Z",
		"location":      "Mumbai",
		"deviceId":      "Android_A",
		"merchantId":    "paytm@upi",
	}
}

type processResponse struct {
	Transaction Transaction      `json:"transaction"`
	Result      PredictionResult `json:"result"`
	Error       string           `json:"error"`
}

func TestHandler_ProcessTransaction_201(t *testing.T) {
	store := NewMemoryStore()
	router := setupHandlerTestRouter(t, store, "")

	w := doJSON(router, "POST", "/v1/transactions", validBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp processResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "TXN-100", resp.Result.TransactionID)
	assert.Equal(t, RiskLabelLow, resp.Result.RiskLabel)
	assert.Equal(t, 14, resp.Transaction.Hour)
	assert.Equal(t, "500", resp.Transaction.Amount.String())

	_, err := store.GetProfile(context.Background(), 1001)
	assert.NoError(t, err)
}

func TestHandler_ProcessTransaction_GeneratesIDAndHour(t *testing.T) {
	router := setupHandlerTestRouter(t, NewMemoryStore(), "")
	body := validBody()
	delete(body, "transactionId")
	body["hour"] = 3

	w := doJSON(router, "POST", "/v1/transactions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp processResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Transaction.ID, "TXN-"))
	assert.Equal(t, 3, resp.Transaction.Hour)
	assert.True(t, resp.Result.Features.IsNight())
}

func TestHandler_ProcessTransaction_400(t *testing.T) {
	router := setupHandlerTestRouter(t, NewMemoryStore(), "")

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"unknown location", func(b map[string]any) { b["location"] = "Chennai" }},
		{"zero amount", func(b map[string]any) { b["amount"] = 0 }},
		{"missing user", func(b map[string]any) { delete(b, "userId") }},
		{"bad hour", func(b map[string]any) { b["hour"] = 25 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validBody()
			tt.mutate(body)
			w := doJSON(router, "POST", "/v1/transactions", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
			assert.Contains(t, w.Body.String(), "validation_error")
		})
	}

	req := httptest.NewRequest("POST", "/v1/transactions", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandler_ProcessTransaction_409(t *testing.T) {
	router := setupHandlerTestRouter(t, NewMemoryStore(), "")

	require.Equal(t, http.StatusCreated, doJSON(router, "POST", "/v1/transactions", validBody()).Code)
	w := doJSON(router, "POST", "/v1/transactions", validBody())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_ProcessTransaction_500CarriesResult(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failCommits: 1}
	router := setupHandlerTestRouter(t, store, "")

	w := doJSON(router, "POST", "/v1/transactions", validBody())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d: %s", w.Code, w.Body.String())
	}
	var resp processResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "persistence_error", resp.Error)
	assert.Equal(t, "TXN-100", resp.Result.TransactionID)
}

func TestHandler_Evaluate_NoSideEffects(t *testing.T) {
	store := NewMemoryStore()
	router := setupHandlerTestRouter(t, store, "")

	w := doJSON(router, "POST", "/v1/transactions/evaluate", validBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	recent, _ := store.ListRecent(context.Background(), 10, nil)
	assert.Empty(t, recent)
}

func TestHandler_ProcessBatch(t *testing.T) {
	router := setupHandlerTestRouter(t, NewMemoryStore(), "")
	second := validBody()
	second["transactionId"] = "TXN-101"
	second["amount"] = -1

	w := doJSON(router, "POST", "/v1/transactions/batch", map[string]any{
		"transactions": []map[string]any{validBody(), second},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []BatchItem `json:"results"`
		Count   int         `json:"count"`
		Failed  int         `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "TXN-101", resp.Results[1].TransactionID)

	empty := doJSON(router, "POST", "/v1/transactions/batch", map[string]any{"transactions": []any{}})
	assert.Equal(t, http.StatusBadRequest, empty.Code)
}

func TestHandler_Analytics(t *testing.T) {
	router := setupHandlerTestRouter(t, NewMemoryStore(), "")
	require.Equal(t, http.StatusCreated, doJSON(router, "POST", "/v1/transactions", validBody()).Code)

	paths := []struct {
		path string
		key  string
	}{
		{"/v1/transactions/recent?limit=5", `"transactions"`},
		{"/v1/alerts", `"alerts"`},
		{"/v1/stats", `"totalTransactions":1`},
		{"/v1/stats/hourly", `"hour":14`},
		{"/v1/users/risk", `"userId":1001`},
		{"/v1/users/1001/profile", `"usualLocation":"Mumbai"`},
		{"/v1/model", `"threshold":0.65`},
	}
	for _, p := range paths {
		w := doJSON(router, "GET", p.path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", p.path, w.Code)
			continue
		}
		if !strings.Contains(w.Body.String(), p.key) {
			t.Errorf("GET %s: body %s does not contain %s", p.path, w.Body.String(), p.key)
		}
	}
}

func TestHandler_ListRecent_Paginates(t *testing.T) {
	router := setupHandlerTestRouter(t, NewMemoryStore(), "")
	for _, id := range []string{"TXN-A1", "TXN-A2", "TXN-A3"} {
		body := validBody()
		body["transactionId"] = id
		require.Equal(t, http.StatusCreated, doJSON(router, "POST", "/v1/transactions", body).Code)
	}

	type page struct {
		Transactions []ScoredTransaction `json:"transactions"`
		NextCursor   string              `json:"nextCursor"`
		HasMore      bool                `json:"hasMore"`
	}

	w := doJSON(router, "GET", "/v1/transactions/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var first page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Transactions, 2)
	assert.Equal(t, "TXN-A3", first.Transactions[0].Transaction.ID)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	w = doJSON(router, "GET", "/v1/transactions/recent?limit=2&cursor="+first.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Transactions, 1)
	assert.Equal(t, "TXN-A1", second.Transactions[0].Transaction.ID)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	w = doJSON(router, "GET", "/v1/alerts?cursor=not-a-cursor!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestHandler_GetProfile_Errors(t *testing.T) {
	router := setupHandlerTestRouter(t, NewMemoryStore(), "")

	assert.Equal(t, http.StatusNotFound, doJSON(router, "GET", "/v1/users/4242/profile", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(router, "GET", "/v1/users/abc/profile", nil).Code)
}

func TestHandler_ClearData_RequiresSecret(t *testing.T) {
	store := NewMemoryStore()
	router := setupHandlerTestRouter(t, store, "s3cret")
	require.Equal(t, http.StatusCreated, doJSON(router, "POST", "/v1/transactions", validBody()).Code)

	w := doJSON(router, "DELETE", "/v1/admin/data", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("DELETE", "/v1/admin/data", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	recent, _ := store.ListRecent(context.Background(), 10, nil)
	assert.Empty(t, recent)
}
