package model

import (
	"github.com/shopspring/decimal"

	"github.com/criticalpath/ccpm/internal/ccpm/calendar"
)

// BufferKind distinguishes a project buffer (one per schedule,
// attached to the critical chain) from a feeding buffer (one per
// feeding chain).
type BufferKind string

const (
	BufferProject BufferKind = "project"
	BufferFeeding BufferKind = "feeding"
)

// ConsumptionRecord is one append-only entry in a buffer's
// consumption history, recorded on every recalculation that carries a
// new as-of date.
type ConsumptionRecord struct {
	Date          calendar.Date
	Remaining     decimal.Decimal
	ConsumptionPct decimal.Decimal
}

// Buffer is a distinguished schedule element (not a Task) inserted to
// protect the chain it attaches to. See spec §3.
type Buffer struct {
	ID           string
	Kind         BufferKind
	SizeDays     decimal.Decimal
	OriginalSize decimal.Decimal
	Remaining    decimal.Decimal
	StartDate    calendar.Date
	EndDate      calendar.Date
	AttachesTo   string // task id the buffer protects
	SourceChain  string // chain id this buffer was sized from

	ConsumptionHistory []ConsumptionRecord
}

// NewBuffer constructs a buffer of the given size, fully unconsumed.
func NewBuffer(id string, kind BufferKind, size decimal.Decimal, attachesTo, sourceChain string) *Buffer {
	return &Buffer{
		ID:           id,
		Kind:         kind,
		SizeDays:     size,
		OriginalSize: size,
		Remaining:    size,
		AttachesTo:   attachesTo,
		SourceChain:  sourceChain,
	}
}

// ConsumptionPct returns (original_size - remaining) / original_size *
// 100, per spec §3. Returns zero if the buffer has zero size.
func (b *Buffer) ConsumptionPct() decimal.Decimal {
	if !b.OriginalSize.IsPositive() {
		return decimal.Zero
	}
	consumed := b.OriginalSize.Sub(b.Remaining)
	return consumed.Div(b.OriginalSize).Mul(decimal.NewFromInt(100))
}

// RecordConsumption appends a consumption-history entry reflecting
// the buffer's current remaining size as of date.
func (b *Buffer) RecordConsumption(date calendar.Date) {
	b.ConsumptionHistory = append(b.ConsumptionHistory, ConsumptionRecord{
		Date:           date,
		Remaining:      b.Remaining,
		ConsumptionPct: b.ConsumptionPct(),
	})
}
