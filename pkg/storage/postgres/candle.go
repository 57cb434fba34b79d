package postgres

import (
	"context"
	"fmt"
	"time"

	"pricefeed/internal/feed/memorystore"

	"gorm.io/gorm/clause"
)

const insertBatchSize = 500

// SaveCandles archives a series. Bars already stored for the same symbol,
// interval and open time are left untouched.
func (p *PostgresClient) SaveCandles(ctx context.Context, symbol, interval string, candles []memorystore.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	records := make([]CandleRecord, 0, len(candles))
	for _, c := range candles {
		records = append(records, *ToCandleRecord(symbol, interval, c))
	}

	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "interval"},
			{Name: "open_time"},
		},
		DoNothing: true,
	}).CreateInBatches(records, insertBatchSize)

	if tx.Error != nil {
		return fmt.Errorf("insert candles %s %s: %w", symbol, interval, tx.Error)
	}
	return nil
}

// LoadCandles returns the most recent limit bars, oldest first.
func (p *PostgresClient) LoadCandles(ctx context.Context, symbol, interval string, limit int) ([]memorystore.Candle, error) {
	if limit <= 0 {
		limit = 1000
	}
	var records []CandleRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("open_time DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]memorystore.Candle, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r.ToCandle()
	}
	return out, nil
}

// DeleteOldCandles removes every bar that opened before the cutoff.
func (p *PostgresClient) DeleteOldCandles(ctx context.Context, before time.Time) (int64, error) {
	tx := p.DB.WithContext(ctx).
		Where("open_time < ?", before).
		Delete(&CandleRecord{})
	return tx.RowsAffected, tx.Error
}

// ToCandleRecord converts a candle of the given series into a CandleRecord for DB insertion.
func ToCandleRecord(symbol, interval string, c memorystore.Candle) *CandleRecord {
	return &CandleRecord{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: c.OpenTime.UTC(),
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Volume,
	}
}

func (r CandleRecord) ToCandle() memorystore.Candle {
	return memorystore.Candle{
		OpenTime: r.OpenTime.UTC(),
		Open:     r.Open,
		High:     r.High,
		Low:      r.Low,
		Close:    r.Close,
		Volume:   r.Volume,
	}
}
