package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/xiaopang/aiswitch/internal/model"
)

// === Usage Logs ===

// InsertUsage 追加一条用量记录（只插入，不更新）
func (s *Store) InsertUsage(row *model.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO proxy_request_logs (
			request_id, provider_id, provider_name, app_type, model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			input_cost_usd, output_cost_usd, cache_read_cost_usd, cache_creation_cost_usd, total_cost_usd,
			latency_ms, status_code, is_streaming, client_tool, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.RequestID, row.ProviderID, row.ProviderName, string(row.AppType), row.Model,
		row.InputTokens, row.OutputTokens, row.CacheReadTokens, row.CacheCreationTokens,
		row.InputCostUSD.String(), row.OutputCostUSD.String(), row.CacheReadCostUSD.String(),
		row.CacheCreationCostUSD.String(), row.TotalCostUSD.String(),
		row.LatencyMs, row.StatusCode, row.IsStreaming, row.ClientTool, createdAt.Unix())
	return err
}

const usageColumns = `request_id, provider_id, COALESCE(provider_name, ''), app_type, model,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
	input_cost_usd, output_cost_usd, cache_read_cost_usd, cache_creation_cost_usd, total_cost_usd,
	latency_ms, status_code, is_streaming, client_tool, created_at`

func scanUsage(row scanner) (*model.UsageLog, error) {
	var u model.UsageLog
	var appType, inCost, outCost, crCost, ccCost, totalCost string
	var createdAt int64
	if err := row.Scan(&u.RequestID, &u.ProviderID, &u.ProviderName, &appType, &u.Model,
		&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheCreationTokens,
		&inCost, &outCost, &crCost, &ccCost, &totalCost,
		&u.LatencyMs, &u.StatusCode, &u.IsStreaming, &u.ClientTool, &createdAt); err != nil {
		return nil, err
	}
	u.AppType = model.AppType(appType)
	u.InputCostUSD = parseDecimal(inCost)
	u.OutputCostUSD = parseDecimal(outCost)
	u.CacheReadCostUSD = parseDecimal(crCost)
	u.CacheCreationCostUSD = parseDecimal(ccCost)
	u.TotalCostUSD = parseDecimal(totalCost)
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// QueryUsage 查询用量日志，按时间倒序
func (s *Store) QueryUsage(query *model.UsageQuery) ([]*model.UsageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sql := "SELECT " + usageColumns + " FROM proxy_request_logs WHERE 1=1"
	args := []any{}

	if query.AppType != "" {
		sql += " AND app_type = ?"
		args = append(args, query.AppType)
	}
	if query.ProviderID != "" {
		sql += " AND provider_id = ?"
		args = append(args, query.ProviderID)
	}
	if query.Model != "" {
		sql += " AND model = ?"
		args = append(args, query.Model)
	}
	if query.Start > 0 {
		sql += " AND created_at >= ?"
		args = append(args, query.Start)
	}
	if query.End > 0 {
		sql += " AND created_at <= ?"
		args = append(args, query.End)
	}

	sql += " ORDER BY created_at DESC, rowid DESC"

	if query.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		sql += " LIMIT 100"
	}
	if query.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.UsageLog
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, u)
	}
	return logs, rows.Err()
}

// CountUsage 记录总数
func (s *Store) CountUsage() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM proxy_request_logs").Scan(&n)
	return n, err
}

// ClearUsage 清空所有用量记录
func (s *Store) ClearUsage() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec("DELETE FROM proxy_request_logs")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// === Stats ===

// statRow 统计用的精简行，成本在 Go 侧用 decimal 汇总
type statRow struct {
	ProviderID          string
	ProviderName        string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Cost                decimal.Decimal
	LatencyMs           int64
	StatusCode          int
	CreatedAt           int64
}

func (r statRow) success() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// loadStatRows loads rows with created_at in [start, end]. A zero start means
// no lower bound.
func (s *Store) loadStatRows(start, end time.Time, providerID string) ([]statRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sql := `SELECT provider_id, COALESCE(provider_name, ''), model,
		input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		total_cost_usd, latency_ms, status_code, created_at
		FROM proxy_request_logs WHERE created_at <= ?`
	args := []any{end.Unix()}
	if !start.IsZero() {
		sql += " AND created_at >= ?"
		args = append(args, start.Unix())
	}
	if providerID != "" {
		sql += " AND provider_id = ?"
		args = append(args, providerID)
	}
	sql += " ORDER BY created_at"

	rows, err := s.db.Query(sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statRow
	for rows.Next() {
		var r statRow
		var cost string
		if err := rows.Scan(&r.ProviderID, &r.ProviderName, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CacheReadTokens, &r.CacheCreationTokens,
			&cost, &r.LatencyMs, &r.StatusCode, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Cost = parseDecimal(cost)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetUsageSummary 时间范围内的汇总
func (s *Store) GetUsageSummary(start, end time.Time) (*model.UsageSummary, error) {
	rows, err := s.loadStatRows(start, end, "")
	if err != nil {
		return nil, err
	}

	sum := &model.UsageSummary{TotalCost: decimal.Zero}
	for _, r := range rows {
		sum.TotalRequests++
		if r.success() {
			sum.SuccessRequests++
		}
		sum.TotalCost = sum.TotalCost.Add(r.Cost)
		sum.TotalInputTokens += r.InputTokens
		sum.TotalOutputTokens += r.OutputTokens
		sum.TotalCacheReadTokens += r.CacheReadTokens
		sum.TotalCacheCreationTokens += r.CacheCreationTokens
	}
	if sum.TotalRequests > 0 {
		sum.SuccessRate = round2(float64(sum.SuccessRequests) * 100 / float64(sum.TotalRequests))
	}
	return sum, nil
}

// GetUsageTrend 按时间桶汇总；24h 按小时，其余按天，空桶也会返回
func (s *Store) GetUsageTrend(period model.Period, now time.Time, providerID string) ([]*model.UsageTrend, error) {
	start, _ := period.Since(now)
	rows, err := s.loadStatRows(start, now, providerID)
	if err != nil {
		return nil, err
	}

	buckets := trendBuckets(period, now, rows)
	trend := make([]*model.UsageTrend, len(buckets))
	for i, b := range buckets {
		trend[i] = &model.UsageTrend{
			Label:     bucketLabel(period, b),
			Timestamp: b.Unix(),
			Cost:      decimal.Zero,
		}
	}
	for _, r := range rows {
		i := bucketIndex(buckets, r.CreatedAt)
		if i < 0 {
			continue
		}
		t := trend[i]
		t.Requests++
		t.Cost = t.Cost.Add(r.Cost)
		t.InputTokens += r.InputTokens
		t.OutputTokens += r.OutputTokens
		t.Tokens += r.InputTokens + r.OutputTokens
	}
	return trend, nil
}

// GetUsageTrendByModel 按模型拆分的时间桶
func (s *Store) GetUsageTrendByModel(period model.Period, now time.Time, providerID string) ([]*model.ModelTrend, error) {
	start, _ := period.Since(now)
	rows, err := s.loadStatRows(start, now, providerID)
	if err != nil {
		return nil, err
	}

	buckets := trendBuckets(period, now, rows)
	grouped := lo.GroupBy(rows, func(r statRow) int { return bucketIndex(buckets, r.CreatedAt) })

	trend := make([]*model.ModelTrend, len(buckets))
	for i, b := range buckets {
		mt := &model.ModelTrend{Label: bucketLabel(period, b), Timestamp: b.Unix(), Models: []model.ModelUsage{}}
		byModel := lo.GroupBy(grouped[i], func(r statRow) string { return r.Model })
		for _, name := range sortedKeys(byModel) {
			mu := model.ModelUsage{Model: name, Cost: decimal.Zero}
			for _, r := range byModel[name] {
				mu.Requests++
				mu.Cost = mu.Cost.Add(r.Cost)
				mu.Tokens += r.InputTokens + r.OutputTokens
			}
			mt.Models = append(mt.Models, mu)
		}
		trend[i] = mt
	}
	return trend, nil
}

// GetProviderStats 各服务商统计，按请求数倒序
func (s *Store) GetProviderStats(start, end time.Time) ([]*model.ProviderStats, error) {
	rows, err := s.loadStatRows(start, end, "")
	if err != nil {
		return nil, err
	}

	byProvider := lo.GroupBy(rows, func(r statRow) string { return r.ProviderID })
	stats := make([]*model.ProviderStats, 0, len(byProvider))
	for id, group := range byProvider {
		ps := &model.ProviderStats{ProviderID: id, TotalCost: decimal.Zero}
		var success, latency int64
		for _, r := range group {
			ps.Requests++
			if r.success() {
				success++
			}
			if r.ProviderName != "" {
				ps.ProviderName = r.ProviderName
			}
			ps.TotalTokens += r.InputTokens + r.OutputTokens
			ps.TotalCost = ps.TotalCost.Add(r.Cost)
			latency += r.LatencyMs
		}
		ps.SuccessRate = round2(float64(success) * 100 / float64(ps.Requests))
		ps.AvgLatencyMs = round2(float64(latency) / float64(ps.Requests))
		stats = append(stats, ps)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Requests != stats[j].Requests {
			return stats[i].Requests > stats[j].Requests
		}
		return stats[i].ProviderID < stats[j].ProviderID
	})
	return stats, nil
}

// trendBuckets returns ascending bucket start times ending with the bucket
// that contains now. For PeriodAll the first bucket is the day of the oldest
// row.
func trendBuckets(period model.Period, now time.Time, rows []statRow) []time.Time {
	if period.Hourly() {
		last := now.Truncate(time.Hour)
		buckets := make([]time.Time, 24)
		for i := range buckets {
			buckets[i] = last.Add(time.Duration(i-23) * time.Hour)
		}
		return buckets
	}

	today := startOfDay(now)
	var first time.Time
	switch period {
	case model.Period7d:
		first = today.AddDate(0, 0, -6)
	case model.Period30d:
		first = today.AddDate(0, 0, -29)
	default:
		if len(rows) == 0 {
			return nil
		}
		first = startOfDay(time.Unix(rows[0].CreatedAt, 0).In(now.Location()))
	}

	var buckets []time.Time
	for d := first; !d.After(today); d = d.AddDate(0, 0, 1) {
		buckets = append(buckets, d)
	}
	return buckets
}

// bucketIndex finds the last bucket starting at or before ts, or -1.
func bucketIndex(buckets []time.Time, ts int64) int {
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].Unix() > ts })
	return i - 1
}

func bucketLabel(period model.Period, t time.Time) string {
	if period.Hourly() {
		return t.Format("15:00")
	}
	return t.Format("01/02")
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
