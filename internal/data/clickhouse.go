package data

import (
	"context"
	"fmt"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"github.com/techprocreative/strategy-engine/pkg/utils"
	"go.uber.org/zap"
)

// ClickHouseProvider serves candles from a ClickHouse table with columns
// (symbol, interval, open_time, open, high, low, close, volume).
type ClickHouseProvider struct {
	conn   clickhouse.Conn
	logger *zap.Logger
	table  string
}

// NewClickHouseProvider connects to ClickHouse and verifies the connection.
func NewClickHouseProvider(ctx context.Context, logger *zap.Logger, cfg types.ClickHouseConfig) (*ClickHouseProvider, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "candles"
	}

	return &ClickHouseProvider{
		conn:   conn,
		logger: logger,
		table:  table,
	}, nil
}

// Name identifies the provider.
func (p *ClickHouseProvider) Name() string {
	return "clickhouse"
}

// GetHistoricalData queries candles within [start, end], oldest first.
// Transient query failures are retried with backoff; an empty result is not.
func (p *ClickHouseProvider) GetHistoricalData(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	candles, err := utils.Retry(utils.DefaultRetryConfig(), func() ([]types.Candle, error) {
		return p.query(ctx, symbol, timeframe, start, end)
	})
	if err != nil {
		return nil, err
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrNoData)
	}

	p.logger.Debug("clickhouse candles loaded",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(timeframe)),
		zap.Int("count", len(candles)))
	return candles, nil
}

func (p *ClickHouseProvider) query(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	query := fmt.Sprintf(`
		SELECT open_time, open, high, low, close, volume
		FROM %s
		WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC`, p.table)

	rows, err := p.conn.Query(ctx, query, symbol, string(timeframe), start, end)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query: %w", err)
	}
	defer rows.Close()

	var candles []types.Candle
	for rows.Next() {
		var (
			openTime                       time.Time
			open, high, low, close, volume float64
		)
		if err := rows.Scan(&openTime, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("clickhouse scan: %w", err)
		}
		candles = append(candles, types.Candle{
			Timestamp: openTime,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(close),
			Volume:    decimal.NewFromFloat(volume),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clickhouse rows: %w", err)
	}
	return candles, nil
}

// Close releases the connection.
func (p *ClickHouseProvider) Close() error {
	return p.conn.Close()
}
