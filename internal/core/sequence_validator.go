package core

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrder reports a new command behind the partition cursor.
	// Redelivery cannot fix it; the command is dropped.
	ErrOutOfOrder = errors.New("out-of-order command")

	// ErrSequenceGap reports a command ahead of the partition cursor. An
	// earlier command is still in flight, so redelivery can succeed.
	ErrSequenceGap = errors.New("sequence gap")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed under the engine lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// Already processed
			return nil
		}
		// Out-of-order delivery of a NEW command
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ValidatePriceSequence validates price fulfillments (gaps tolerated: a
// missed fulfillment only means a fresher price arrives later). Stale
// sequences pass; the gateway's own consumed/refunded checks make a replayed
// fulfillment inert.
func (sv *SequenceValidator) ValidatePriceSequence(partition string, priceSequence int64) error {
	expected := sv.expectedNextSeq[partition]

	if priceSequence <= expected {
		return nil
	}

	sv.expectedNextSeq[partition] = priceSequence + 1
	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}
