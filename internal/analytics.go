package ccflare

// StatsSummary is the dashboard-level aggregate over request records.
type StatsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	SuccessRate       float64 `json:"success_rate"`
	ActiveAccounts    int     `json:"active_accounts"`
	TotalTokens       int64   `json:"total_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	QueueDepth        int     `json:"queue_depth"`
	QueueDropped      int64   `json:"queue_dropped"`
}

// AnalyticsPoint is one time bucket in an analytics range query.
type AnalyticsPoint struct {
	Bucket   int64   `json:"bucket"` // bucket start, epoch ms
	Requests int64   `json:"requests"`
	Errors   int64   `json:"errors"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// AccountUsage is a per-account rollup within an analytics range.
type AccountUsage struct {
	AccountID string  `json:"account_id"`
	Name      string  `json:"name"`
	Requests  int64   `json:"requests"`
	Tokens    int64   `json:"tokens"`
	CostUSD   float64 `json:"cost_usd"`
}

// ModelUsage is a per-model rollup within an analytics range.
type ModelUsage struct {
	Model    string  `json:"model"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// AnalyticsReport is the full response for an analytics range query.
type AnalyticsReport struct {
	RangeMs  int64            `json:"range_ms"`
	BucketMs int64            `json:"bucket_ms"`
	Points   []AnalyticsPoint `json:"points"`
	Accounts []AccountUsage   `json:"accounts"`
	Models   []ModelUsage     `json:"models"`
}
