package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"

	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/model"
)

const defaultAlertLimit = 10

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FraudClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FraudClient) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreTransaction scores and records a transaction.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txReq, err := transactionFromArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := h.client.Score(ctx, txReq)
	if err != nil {
		return mcp.NewToolResultError(describeError("Failed to score transaction", err)), nil
	}
	return mcp.NewToolResultText(formatScore(resp, true)), nil
}

// HandleEvaluateTransaction scores a transaction without recording it.
func (h *Handlers) HandleEvaluateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txReq, err := transactionFromArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := h.client.Evaluate(ctx, txReq)
	if err != nil {
		return mcp.NewToolResultError(describeError("Failed to evaluate transaction", err)), nil
	}
	return mcp.NewToolResultText(formatScore(resp, false)), nil
}

// HandleGetFraudStats returns aggregate statistics.
func (h *Handlers) HandleGetFraudStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.client.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(describeError("Failed to get stats", err)), nil
	}
	return mcp.NewToolResultText(formatStats(stats)), nil
}

// HandleListFraudAlerts lists recent high-risk transactions.
func (h *Handlers) HandleListFraudAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultAlertLimit)
	if limit <= 0 {
		limit = defaultAlertLimit
	}

	alerts, err := h.client.Alerts(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(describeError("Failed to list alerts", err)), nil
	}
	return mcp.NewToolResultText(formatAlerts(alerts)), nil
}

// HandleGetUserProfile returns a user's behavioral profile.
func (h *Handlers) HandleGetUserProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := int64(req.GetInt("user_id", 0))
	if userID <= 0 {
		return mcp.NewToolResultError("user_id must be a positive integer"), nil
	}

	profile, err := h.client.Profile(ctx, userID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return mcp.NewToolResultText(fmt.Sprintf("User %d has no transaction history yet.", userID)), nil
		}
		return mcp.NewToolResultError(describeError("Failed to get profile", err)), nil
	}
	return mcp.NewToolResultText(formatProfile(profile)), nil
}

// HandleGetModelInfo returns model metadata.
func (h *Handlers) HandleGetModelInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := h.client.Model(ctx)
	if err != nil {
		return mcp.NewToolResultError(describeError("Failed to get model info", err)), nil
	}
	return mcp.NewToolResultText(formatModel(info)), nil
}

// ============================================================
// Argument parsing
// ============================================================

func transactionFromArgs(req mcp.CallToolRequest) (*fraud.TransactionRequest, error) {
	args := req.GetArguments()

	userID := int64(req.GetInt("user_id", 0))
	if userID <= 0 {
		return nil, errors.New("user_id must be a positive integer")
	}

	amount, err := amountArg(args["amount"])
	if err != nil {
		return nil, err
	}

	txReq := &fraud.TransactionRequest{
		TransactionID: req.GetString("transaction_id", ""),
		UserID:        userID,
		Amount:        amount,
		Location:      req.GetString("location", ""),
		DeviceID:      req.GetString("device_id", ""),
		MerchantID:    req.GetString("merchant_id", ""),
	}
	for _, field := range []struct{ name, value string }{
		{"location", txReq.Location},
		{"device_id", txReq.DeviceID},
		{"merchant_id", txReq.MerchantID},
	} {
		if field.value == "" {
			return nil, fmt.Errorf("%s is required", field.name)
		}
	}

	if _, ok := args["hour"]; ok {
		hour := req.GetInt("hour", -1)
		if hour < 0 || hour > 23 {
			return nil, errors.New("hour must be between 0 and 23")
		}
		txReq.Hour = &hour
	}
	if ts := req.GetString("timestamp", ""); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("timestamp must be RFC 3339: %v", err)
		}
		txReq.Timestamp = &parsed
	}
	return txReq, nil
}

// amountArg accepts a decimal string or a JSON number.
func amountArg(v any) (decimal.Decimal, error) {
	var s string
	switch a := v.(type) {
	case string:
		s = a
	case float64:
		s = strconv.FormatFloat(a, 'f', -1, 64)
	case nil:
		return decimal.Decimal{}, errors.New("amount is required")
	default:
		return decimal.Decimal{}, fmt.Errorf("amount must be a decimal string, got %T", v)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q is not a number", s)
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, errors.New("amount must be greater than zero")
	}
	return amount, nil
}

// ============================================================
// Formatting
// ============================================================

func describeError(prefix string, err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Fields) > 0 {
		parts := make([]string, len(apiErr.Fields))
		for i, f := range apiErr.Fields {
			parts[i] = f.Field + " " + f.Message
		}
		return fmt.Sprintf("%s: %s", prefix, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}

func formatScore(resp *ScoreResponse, recorded bool) string {
	var sb strings.Builder
	if resp.Result == nil {
		return "No result returned."
	}
	sb.WriteString(resp.Result.Summary())
	sb.WriteString("\n\n")
	if tx := resp.Transaction; tx != nil {
		fmt.Fprintf(&sb, "Transaction: %s\n", tx.ID)
		fmt.Fprintf(&sb, "User: %d | Amount: INR %s | Hour: %d\n", tx.UserID, tx.Amount.StringFixed(2), tx.Hour)
		fmt.Fprintf(&sb, "Location: %s | Device: %s | Merchant: %s\n", tx.Location, tx.DeviceID, tx.MerchantID)
	}
	fmt.Fprintf(&sb, "Label: %s (model %s)\n", resp.Result.RiskLabel, resp.Result.ModelVersion)
	if recorded {
		sb.WriteString("Recorded: yes, profile updated")
	} else {
		sb.WriteString("Recorded: no (evaluation only)")
	}
	return sb.String()
}

func formatStats(s *fraud.Stats) string {
	var sb strings.Builder
	sb.WriteString("Fraud statistics:\n")
	fmt.Fprintf(&sb, "  Transactions scored: %d\n", s.TotalTransactions)
	fmt.Fprintf(&sb, "  High risk: %d (%.2f%%)\n", s.HighRiskCount, s.FraudRate)
	fmt.Fprintf(&sb, "  Avg probability: %.3f\n", s.AvgProbability)
	if s.HighRiskCount > 0 {
		fmt.Fprintf(&sb, "  Avg probability of flagged: %.3f\n", s.AvgFraudProbability)
	}
	return sb.String()
}

func formatAlerts(alerts []fraud.ScoredTransaction) string {
	if len(alerts) == 0 {
		return "No high-risk transactions recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d alert(s):\n\n", len(alerts))
	for i, a := range alerts {
		if a.Transaction == nil || a.Result == nil {
			continue
		}
		tx, r := a.Transaction, a.Result
		fmt.Fprintf(&sb, "%d. %s  user %d  INR %s  p=%.3f\n", i+1, tx.ID, tx.UserID, tx.Amount.StringFixed(2), r.FraudProbability)
		fmt.Fprintf(&sb, "   %s, %s, %s at %02d:00\n", tx.Location, tx.DeviceID, tx.MerchantID, tx.Hour)
		for _, e := range r.Explanations {
			fmt.Fprintf(&sb, "   - %s\n", e)
		}
		if i < len(alerts)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatProfile(p *fraud.UserProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User %d profile:\n", p.UserID)
	fmt.Fprintf(&sb, "  Transactions: %d\n", p.TransactionCount)
	fmt.Fprintf(&sb, "  Average amount: INR %.2f\n", p.AvgAmount)
	if p.UsualLocation != "" {
		fmt.Fprintf(&sb, "  Usual location: %s\n", p.UsualLocation)
	}
	fmt.Fprintf(&sb, "  Devices: %s\n", joinOrNone(p.DevicesSeen.Sorted()))
	fmt.Fprintf(&sb, "  Locations: %s\n", joinOrNone(p.LocationsSeen.Sorted()))
	fmt.Fprintf(&sb, "  Merchants: %s\n", joinOrNone(p.MerchantsSeen.Sorted()))
	if !p.LastTransactionTime.IsZero() {
		fmt.Fprintf(&sb, "  Last transaction: %s\n", p.LastTransactionTime.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatModel(info *model.Info) string {
	var sb strings.Builder
	sb.WriteString("Model:\n")
	fmt.Fprintf(&sb, "  Version: %s\n", info.Version)
	fmt.Fprintf(&sb, "  Type: %s\n", info.ModelType)
	if info.ScalerType != "" {
		fmt.Fprintf(&sb, "  Scaler: %s\n", info.ScalerType)
	}
	fmt.Fprintf(&sb, "  Threshold: %.2f\n", info.Threshold)
	fmt.Fprintf(&sb, "  Features (%d): %s\n", info.NumFeatures, strings.Join(info.FeatureColumns, ", "))
	return sb.String()
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
