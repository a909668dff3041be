// Package types provides configuration and result types for the strategy engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestRequest represents a request to run a backtest
type BacktestRequest struct {
	Symbol         string          `json:"symbol"`
	Timeframe      Timeframe       `json:"timeframe"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	DataSource     string          `json:"dataSourcePreference,omitempty"` // "file", "clickhouse"
}

// ResultMetadata describes the data window a backtest actually covered
type ResultMetadata struct {
	RequestedStart time.Time `json:"requestedStart"`
	RequestedEnd   time.Time `json:"requestedEnd"`
	ActualStart    time.Time `json:"actualStart"`
	ActualEnd      time.Time `json:"actualEnd"`
	DataPoints     int       `json:"dataPoints"`
	PartialData    bool      `json:"partialData"`
	DataSource     string    `json:"dataSource"`
}

// BacktestResult represents the results of a backtest
type BacktestResult struct {
	ID               string             `json:"id"`
	Symbol           string             `json:"symbol"`
	Timeframe        Timeframe          `json:"timeframe"`
	InitialBalance   decimal.Decimal    `json:"initialBalance"`
	FinalBalance     decimal.Decimal    `json:"finalBalance"`
	ReturnPercentage decimal.Decimal    `json:"returnPercentage"`
	TotalTrades      int                `json:"totalTrades"`
	WinningTrades    int                `json:"winningTrades"`
	LosingTrades     int                `json:"losingTrades"`
	WinRate          decimal.Decimal    `json:"winRate"`
	ProfitFactor     decimal.Decimal    `json:"profitFactor"`
	MaxDrawdown      decimal.Decimal    `json:"maxDrawdown"`
	AvgWin           decimal.Decimal    `json:"avgWin"`
	AvgLoss          decimal.Decimal    `json:"avgLoss"`
	Expectancy       decimal.Decimal    `json:"expectancy"`
	EquityCurve      []EquityCurvePoint `json:"equityCurve"`
	Trades           []Trade            `json:"trades"`
	Rejections       int                `json:"rejections"`
	Metadata         ResultMetadata     `json:"metadata"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout"`
	EnableMetrics bool          `json:"enableMetrics"`
	DataDir       string        `json:"dataDir"`
	Workers       int           `json:"workers"`
}

// ClickHouseConfig represents candle database connection settings
type ClickHouseConfig struct {
	Addr     string `json:"addr"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
	Table    string `json:"table"`
}

// Config is the root configuration loaded at startup
type Config struct {
	Server     ServerConfig     `json:"server"`
	ClickHouse ClickHouseConfig `json:"clickhouse"`
	LogLevel   string           `json:"logLevel"`
}
