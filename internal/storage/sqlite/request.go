package sqlite

import (
	"context"
	"database/sql"
	"strings"

	ccflare "github.com/ccflare/ccflare/internal"
)

// InsertRequests persists a batch of request records in a single multi-row
// INSERT. Batches come from the async write queue, so one statement per
// flush keeps the single writer connection free.
func (s *Store) InsertRequests(ctx context.Context, recs []ccflare.RequestRecord) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 18
	var sb strings.Builder
	sb.WriteString(`INSERT INTO requests (
		id, timestamp, method, path, account_used, status_code, success,
		error_message, response_time_ms, failover_attempts, model,
		input_tokens, output_tokens, cache_read_input_tokens,
		cache_creation_input_tokens, total_tokens, cost_usd,
		output_tokens_per_second) VALUES `)

	args := make([]any, 0, len(recs)*cols)
	for i, r := range recs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		var tps any
		if r.OutputTokensPerSecond > 0 {
			tps = r.OutputTokensPerSecond
		}
		args = append(args,
			r.ID, r.Timestamp, r.Method, r.Path, nullStr(r.AccountUsed),
			r.StatusCode, boolToInt(r.Success), nullStr(r.ErrorMessage),
			r.ResponseTimeMs, r.FailoverAttempts, nullStr(r.Model),
			r.Tokens.InputTokens, r.Tokens.OutputTokens,
			r.Tokens.CacheReadInputTokens, r.Tokens.CacheCreationInputTokens,
			r.TotalTokens, r.CostUSD, tps,
		)
	}

	_, err := s.write.ExecContext(ctx, sb.String(), args...)
	return err
}

// InsertPayloads persists captured request/response archives.
func (s *Store) InsertPayloads(ctx context.Context, payloads []ccflare.RequestPayload) error {
	if len(payloads) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO request_payloads (id, json, created_at) VALUES `)
	args := make([]any, 0, len(payloads)*3)
	now := ccflare.NowMs()
	for i, p := range payloads {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, p.ID, p.JSON, now)
	}

	_, err := s.write.ExecContext(ctx, sb.String(), args...)
	return err
}

// ListRequests returns the most recent request records, newest first.
func (s *Store) ListRequests(ctx context.Context, limit int) ([]ccflare.RequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, timestamp, method, path, account_used, status_code, success,
		        error_message, response_time_ms, failover_attempts, model,
		        input_tokens, output_tokens, cache_read_input_tokens,
		        cache_creation_input_tokens, total_tokens, cost_usd,
		        output_tokens_per_second
		 FROM requests ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ccflare.RequestRecord
	for rows.Next() {
		var r ccflare.RequestRecord
		var account, errMsg, model sql.NullString
		var success int
		var tps sql.NullFloat64
		err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Method, &r.Path, &account, &r.StatusCode,
			&success, &errMsg, &r.ResponseTimeMs, &r.FailoverAttempts, &model,
			&r.Tokens.InputTokens, &r.Tokens.OutputTokens,
			&r.Tokens.CacheReadInputTokens, &r.Tokens.CacheCreationInputTokens,
			&r.TotalTokens, &r.CostUSD, &tps,
		)
		if err != nil {
			return nil, err
		}
		r.AccountUsed = account.String
		r.ErrorMessage = errMsg.String
		r.Model = model.String
		r.Success = success != 0
		r.OutputTokensPerSecond = tps.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPayload retrieves a captured payload archive by request ID.
func (s *Store) GetPayload(ctx context.Context, id string) (*ccflare.RequestPayload, error) {
	var p ccflare.RequestPayload
	err := s.read.QueryRowContext(ctx,
		`SELECT id, json FROM request_payloads WHERE id = ?`, id).
		Scan(&p.ID, &p.JSON)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &p, nil
}

// DeleteRequestsBefore removes request records older than cutoffMs.
func (s *Store) DeleteRequestsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM requests WHERE timestamp < ?`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeletePayloadsBefore removes payload archives older than cutoffMs.
func (s *Store) DeletePayloadsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM request_payloads WHERE created_at < ?`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats computes the dashboard summary. Queue fields are filled in by the
// caller from the live write queue, not from the database.
func (s *Store) Stats(ctx context.Context) (*ccflare.StatsSummary, error) {
	var st ccflare.StatsSummary
	var successes int64
	var avg sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(success), 0),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(SUM(cost_usd), 0),
		        AVG(response_time_ms)
		 FROM requests`).
		Scan(&st.TotalRequests, &successes, &st.TotalTokens, &st.TotalCostUSD, &avg)
	if err != nil {
		return nil, err
	}
	if st.TotalRequests > 0 {
		st.SuccessRate = float64(successes) / float64(st.TotalRequests)
	}
	st.AvgResponseTimeMs = avg.Float64

	err = s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE paused = 0`).Scan(&st.ActiveAccounts)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Analytics aggregates request records since sinceMs into bucketMs-wide time
// buckets plus per-account and per-model rollups.
func (s *Store) Analytics(ctx context.Context, sinceMs, bucketMs int64) (*ccflare.AnalyticsReport, error) {
	if bucketMs <= 0 {
		bucketMs = 3_600_000
	}
	report := &ccflare.AnalyticsReport{
		RangeMs:  ccflare.NowMs() - sinceMs,
		BucketMs: bucketMs,
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT (timestamp / ?) * ? AS bucket,
		        COUNT(*),
		        SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM requests WHERE timestamp >= ?
		 GROUP BY bucket ORDER BY bucket ASC`,
		bucketMs, bucketMs, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p ccflare.AnalyticsPoint
		if err := rows.Scan(&p.Bucket, &p.Requests, &p.Errors, &p.Tokens, &p.CostUSD); err != nil {
			return nil, err
		}
		report.Points = append(report.Points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx,
		`SELECT r.account_used, COALESCE(a.name, r.account_used),
		        COUNT(*), COALESCE(SUM(r.total_tokens), 0), COALESCE(SUM(r.cost_usd), 0)
		 FROM requests r LEFT JOIN accounts a ON a.id = r.account_used
		 WHERE r.timestamp >= ? AND r.account_used IS NOT NULL
		 GROUP BY r.account_used ORDER BY COUNT(*) DESC`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u ccflare.AccountUsage
		if err := rows.Scan(&u.AccountID, &u.Name, &u.Requests, &u.Tokens, &u.CostUSD); err != nil {
			return nil, err
		}
		report.Accounts = append(report.Accounts, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM requests WHERE timestamp >= ? AND model IS NOT NULL
		 GROUP BY model ORDER BY COUNT(*) DESC`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m ccflare.ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.Tokens, &m.CostUSD); err != nil {
			return nil, err
		}
		report.Models = append(report.Models, m)
	}
	return report, rows.Err()
}
