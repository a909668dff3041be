package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/techprocreative/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// FileStore serves candles from per-symbol JSON files on disk. Files are
// named <SYMBOL>_<timeframe>.json and hold a sorted candle array; loaded
// series are cached in memory.
type FileStore struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Candle
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata describes the data available for one symbol.
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewFileStore creates a file-backed candle store rooted at dataDir.
func NewFileStore(logger *zap.Logger, dataDir string) (*FileStore, error) {
	store := &FileStore{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Candle),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// Name identifies the provider.
func (s *FileStore) Name() string {
	return "file"
}

// GetHistoricalData loads candles for a symbol within [start, end].
func (s *FileStore) GetHistoricalData(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)
	if cached, ok := s.cache[cacheKey]; ok {
		return clipToRange(cached, start, end)
	}

	filename := filepath.Join(s.dataDir, cacheKey+".json")
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrNoData)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Candle
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data file %s: %w", filename, err)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[cacheKey] = bars
	return clipToRange(bars, start, end)
}

// SaveCandles writes candles for a symbol to disk and refreshes the cache.
func (s *FileStore) SaveCandles(symbol string, timeframe types.Timeframe, bars []types.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	cacheKey := fmt.Sprintf("%s_%s", symbol, timeframe)
	filename := filepath.Join(s.dataDir, cacheKey+".json")

	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(filename, raw, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[cacheKey] = bars

	if len(bars) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: string(timeframe),
		}
		if err := s.saveMetadata(); err != nil {
			s.logger.Warn("Failed to save metadata", zap.Error(err))
		}
	}

	return nil
}

// Symbols returns every symbol with metadata on record.
func (s *FileStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the available data range for a symbol.
func (s *FileStore) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("symbol %s: %w", symbol, ErrNoData)
}

// ClearCache drops every in-memory series.
func (s *FileStore) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Candle)
}

func clipToRange(bars []types.Candle, start, end time.Time) ([]types.Candle, error) {
	lo := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil, ErrNoData
	}

	out := make([]types.Candle, hi-lo)
	copy(out, bars[lo:hi])
	return out, nil
}

func (s *FileStore) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *FileStore) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}
