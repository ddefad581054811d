package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraud scoring MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

func transactionParams(description string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithNumber("user_id",
			mcp.Required(),
			mcp.Description("Numeric ID of the paying user (e.g. 1002)")),
		mcp.WithString("amount",
			mcp.Required(),
			mcp.Description("Amount in INR as a decimal string (e.g. '2499.50')")),
		mcp.WithString("location",
			mcp.Required(),
			mcp.Description("City the payment was made from"),
			mcp.Enum("Bangalore", "Delhi", "Kolkata", "Lucknow", "Mumbai")),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device the payment was made from"),
			mcp.Enum("Android_A", "Android_B", "iPhone_X", "iPhone_Y")),
		mcp.WithString("merchant_id",
			mcp.Required(),
			mcp.Description("UPI handle of the merchant"),
			mcp.Enum("amazon@upi", "flipkart@upi", "gpay@upi", "paytm@upi", "phonepe@upi")),
		mcp.WithNumber("hour",
			mcp.Description("Hour of day 0-23. Defaults to the hour of the timestamp.")),
		mcp.WithString("timestamp",
			mcp.Description("RFC 3339 time of the payment. Defaults to now.")),
		mcp.WithString("transaction_id",
			mcp.Description("Upstream transaction ID. Generated if omitted.")),
	}
}

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	transactionParams(
		"Score a UPI transaction for fraud and record it. "+
			"Returns the fraud probability, HIGH_RISK or LOW_RISK label and the behavioral reasons. "+
			"This updates the user's profile; use evaluate_transaction for what-if questions.")...,
)

var ToolEvaluateTransaction = mcp.NewTool("evaluate_transaction",
	transactionParams(
		"Score a hypothetical UPI transaction against the user's current profile without recording it. "+
			"Safe to call repeatedly.")...,
)

var ToolGetFraudStats = mcp.NewTool("get_fraud_stats",
	mcp.WithDescription(
		"Get aggregate statistics over all scored transactions: totals, high-risk count, "+
			"fraud rate and average fraud probability."),
)

var ToolListFraudAlerts = mcp.NewTool("list_fraud_alerts",
	mcp.WithDescription(
		"List the most recent HIGH_RISK transactions with their reasons, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 10)")),
)

var ToolGetUserProfile = mcp.NewTool("get_user_profile",
	mcp.WithDescription(
		"Get a user's behavioral baseline: average amount, transaction count, usual location, "+
			"and the devices, locations and merchants seen so far."),
	mcp.WithNumber("user_id",
		mcp.Required(),
		mcp.Description("Numeric user ID (e.g. 1002)")),
)

var ToolGetModelInfo = mcp.NewTool("get_model_info",
	mcp.WithDescription(
		"Get the loaded model's version, type, decision threshold and feature columns."),
)
