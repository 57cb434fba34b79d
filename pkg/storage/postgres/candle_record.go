package postgres

import "time"

// CandleRecord is one archived OHLCV bar.
type CandleRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Symbol   string    `gorm:"type:varchar(20);not null;index:idx_candle_symbol_interval_open,unique"`
	Interval string    `gorm:"type:varchar(10);not null;index:idx_candle_symbol_interval_open,unique"`
	OpenTime time.Time `gorm:"not null;index:idx_candle_symbol_interval_open,unique"`

	Open  float64 `gorm:"type:numeric;not null"`
	High  float64 `gorm:"type:numeric;not null"`
	Low   float64 `gorm:"type:numeric;not null"`
	Close float64 `gorm:"type:numeric;not null"`

	Volume float64 `gorm:"type:numeric;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (CandleRecord) TableName() string {
	return "candle_record"
}
