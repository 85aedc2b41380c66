package core

import (
	"math/big"
	"time"

	"perpvault/internal/event"
	"perpvault/internal/fixed"
	"perpvault/internal/position"
)

// Deferred actions run inside Gateway.Fulfill, against the freshly committed
// price set. Each action re-validates at execution time and captures the
// resulting event so the engine can log it after the fulfillment commits.

type resultAction interface {
	Result() event.Event
}

type increaseAction struct {
	book   *position.Book
	cmd    *RequestIncrease
	result event.Event
}

func (a *increaseAction) Kind() string { return "increase_position" }

func (a *increaseAction) Result() event.Event { return a.result }

func (a *increaseAction) Execute(now time.Time) error {
	key := position.Key{
		Account:         a.cmd.Account,
		CollateralAsset: a.cmd.CollateralAsset,
		IndexAsset:      a.cmd.IndexAsset,
		IsLong:          a.cmd.IsLong,
	}
	if err := a.book.Increase(a.cmd.Caller, key, a.cmd.CollateralIn, a.cmd.SizeDelta, now); err != nil {
		return err
	}
	pos := a.book.Get(key)
	a.result = &event.PositionIncreased{
		CommandID:       a.cmd.ID,
		Account:         a.cmd.Account,
		CollateralAsset: a.cmd.CollateralAsset,
		IndexAsset:      a.cmd.IndexAsset,
		IsLong:          a.cmd.IsLong,
		CollateralIn:    fixed.Clone(a.cmd.CollateralIn),
		SizeDelta:       fixed.Clone(a.cmd.SizeDelta),
		Size:            fixed.Clone(pos.Size),
		Collateral:      fixed.Clone(pos.Collateral),
		AveragePrice:    fixed.Clone(pos.AveragePrice),
		Sequence:        a.cmd.Sequence,
	}
	return nil
}

type decreaseAction struct {
	book   *position.Book
	cmd    *RequestDecrease
	result event.Event
}

func (a *decreaseAction) Kind() string { return "decrease_position" }

func (a *decreaseAction) Result() event.Event { return a.result }

func (a *decreaseAction) Execute(now time.Time) error {
	key := position.Key{
		Account:         a.cmd.Account,
		CollateralAsset: a.cmd.CollateralAsset,
		IndexAsset:      a.cmd.IndexAsset,
		IsLong:          a.cmd.IsLong,
	}
	payout, err := a.book.Decrease(a.cmd.Caller, key, a.cmd.CollateralDelta, a.cmd.SizeDelta, a.cmd.Receiver, now)
	if err != nil {
		return err
	}
	realized := new(big.Int)
	closed := true
	if pos := a.book.Get(key); pos != nil {
		realized = fixed.Clone(pos.RealizedPnl)
		closed = false
	}
	a.result = &event.PositionDecreased{
		CommandID:       a.cmd.ID,
		Account:         a.cmd.Account,
		CollateralAsset: a.cmd.CollateralAsset,
		IndexAsset:      a.cmd.IndexAsset,
		IsLong:          a.cmd.IsLong,
		SizeDelta:       fixed.Clone(a.cmd.SizeDelta),
		CollateralDelta: fixed.Clone(a.cmd.CollateralDelta),
		Payout:          payout,
		Receiver:        a.cmd.Receiver,
		RealizedPnl:     realized,
		Closed:          closed,
		Sequence:        a.cmd.Sequence,
	}
	return nil
}

type liquidateAction struct {
	book   *position.Book
	cmd    *RequestLiquidate
	result event.Event
}

func (a *liquidateAction) Kind() string { return "liquidate_position" }

func (a *liquidateAction) Result() event.Event { return a.result }

func (a *liquidateAction) Execute(now time.Time) error {
	key := position.Key{
		Account:         a.cmd.Account,
		CollateralAsset: a.cmd.CollateralAsset,
		IndexAsset:      a.cmd.IndexAsset,
		IsLong:          a.cmd.IsLong,
	}
	code, _, err := a.book.ValidateLiquidation(key, now)
	if err != nil {
		return err
	}
	size := fixed.Clone(a.book.Get(key).Size)
	liqFee, err := a.book.Liquidate(a.cmd.Caller, key, a.cmd.FeeReceiver, now)
	if err != nil {
		return err
	}
	a.result = &event.PositionLiquidated{
		CommandID:       a.cmd.ID,
		Account:         a.cmd.Account,
		CollateralAsset: a.cmd.CollateralAsset,
		IndexAsset:      a.cmd.IndexAsset,
		IsLong:          a.cmd.IsLong,
		Code:            code,
		Size:            size,
		LiquidationFee:  liqFee,
		FeeReceiver:     a.cmd.FeeReceiver,
		Sequence:        a.cmd.Sequence,
	}
	return nil
}
