package store

import (
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xiaopang/aiswitch/internal/model"
	"github.com/xiaopang/aiswitch/internal/usage"
)

// seedPricing 价格表为空时写入内置价格
func (s *Store) seedPricing() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM model_pricing").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, p := range usage.DefaultPricing() {
		if err := s.upsertPricing(&p); err != nil {
			return err
		}
	}
	return nil
}

// GetModelPricing 按归一化后的模型 ID 查询价格；不存在时返回 nil
func (s *Store) GetModelPricing(modelID string) (*model.ModelPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT model_id, display_name, input_cost_per_million, output_cost_per_million,
			cache_read_cost_per_million, cache_creation_cost_per_million
		FROM model_pricing WHERE model_id = ?
	`, modelID)
	p, err := scanPricing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpsertModelPricing 新增或更新价格
func (s *Store) UpsertModelPricing(p *model.ModelPricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertPricing(p)
}

func (s *Store) upsertPricing(p *model.ModelPricing) error {
	_, err := s.db.Exec(`
		INSERT INTO model_pricing (model_id, display_name, input_cost_per_million, output_cost_per_million,
			cache_read_cost_per_million, cache_creation_cost_per_million)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			display_name = excluded.display_name,
			input_cost_per_million = excluded.input_cost_per_million,
			output_cost_per_million = excluded.output_cost_per_million,
			cache_read_cost_per_million = excluded.cache_read_cost_per_million,
			cache_creation_cost_per_million = excluded.cache_creation_cost_per_million
	`, p.ModelID, p.DisplayName,
		p.InputCostPerMillion.String(), p.OutputCostPerMillion.String(),
		p.CacheReadCostPerMillion.String(), p.CacheCreationCostPerMillion.String())
	return err
}

// ListModelPricing 列出所有价格
func (s *Store) ListModelPricing() ([]*model.ModelPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT model_id, display_name, input_cost_per_million, output_cost_per_million,
			cache_read_cost_per_million, cache_creation_cost_per_million
		FROM model_pricing ORDER BY model_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*model.ModelPricing
	for rows.Next() {
		p, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPricing(row scanner) (*model.ModelPricing, error) {
	var p model.ModelPricing
	var input, output, cacheRead, cacheCreation string
	if err := row.Scan(&p.ModelID, &p.DisplayName, &input, &output, &cacheRead, &cacheCreation); err != nil {
		return nil, err
	}
	p.InputCostPerMillion = parseDecimal(input)
	p.OutputCostPerMillion = parseDecimal(output)
	p.CacheReadCostPerMillion = parseDecimal(cacheRead)
	p.CacheCreationCostPerMillion = parseDecimal(cacheCreation)
	return &p, nil
}

// parseDecimal 解析失败按 0 处理
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
