package services

import (
	"github.com/shopspring/decimal"

	"community-wager-backend/internal/config"
)

// FeeSchedule holds the independent rates applied by the state machine.
// Cancel and reject are charged differently on purpose; they are separate
// product settings.
type FeeSchedule struct {
	ServiceChargeRate decimal.Decimal
	RejectFeeRate     decimal.Decimal
	CancelFeeRate     decimal.Decimal
	ExpireFeeRate     decimal.Decimal
}

func FeeScheduleFromConfig(cfg *config.Config) FeeSchedule {
	return FeeSchedule{
		ServiceChargeRate: cfg.ServiceChargeRate,
		RejectFeeRate:     cfg.RejectFeeRate,
		CancelFeeRate:     cfg.CancelFeeRate,
		ExpireFeeRate:     cfg.ExpireFeeRate,
	}
}

type Prize struct {
	ServiceCharge int64
	TotalPrize    int64
	NetPrize      int64
}

// roundRate returns round(amount * rate) with halves rounded up.
func roundRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// PrizeFor is computed once, at creation.
func (f FeeSchedule) PrizeFor(betAmount int64) Prize {
	serviceCharge := roundRate(betAmount, f.ServiceChargeRate)
	total := 2 * betAmount
	return Prize{
		ServiceCharge: serviceCharge,
		TotalPrize:    total,
		NetPrize:      total - serviceCharge,
	}
}

// Refund returns the fee withheld and the amount credited back for a bet
// at the given rate.
func Refund(betAmount int64, rate decimal.Decimal) (fee, refund int64) {
	fee = roundRate(betAmount, rate)
	return fee, betAmount - fee
}

// TieRefund is what each participant gets back on a tie: the service charge
// is applied to each side's own stake.
func (f FeeSchedule) TieRefund(betAmount int64) int64 {
	return betAmount - roundRate(betAmount, f.ServiceChargeRate)
}
