package core

import (
	"fmt"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeSchedule is the protocol's fee configuration, both values whole percentages.
type FeeSchedule struct {
	PlatformFeePercentage uint8 `json:"platform_fee_percentage"`
	PublisherRevShare     uint8 `json:"publisher_rev_share"`
}

// Validate rejects percentages above 100 and pairs whose sum exceeds 100.
func (f FeeSchedule) Validate() error {
	if f.PlatformFeePercentage > 100 {
		return fmt.Errorf("%w: platform fee %d", ErrInvalidFeePercentage, f.PlatformFeePercentage)
	}
	if f.PublisherRevShare > 100 {
		return fmt.Errorf("%w: publisher share %d", ErrInvalidRevenueShare, f.PublisherRevShare)
	}
	if uint16(f.PlatformFeePercentage)+uint16(f.PublisherRevShare) > 100 {
		return fmt.Errorf("%w: platform fee %d plus publisher share %d exceeds 100",
			ErrInvalidFeePercentage, f.PlatformFeePercentage, f.PublisherRevShare)
	}
	return nil
}

// FeeSplit is the obligation booked for a resolved auction.
type FeeSplit struct {
	PlatformFee      uint64 `json:"platform_fee"`
	PublisherPayment uint64 `json:"publisher_payment"`
}

// Total returns the amount reserved in pending settlements for this split.
func (s FeeSplit) Total() (uint64, error) {
	return CheckedAdd(s.PublisherPayment, s.PlatformFee)
}

// ComputeFeeSplit applies the schedule to a clearing price. Both parts truncate.
func ComputeFeeSplit(clearingPrice uint64, fees FeeSchedule) (FeeSplit, error) {
	if err := fees.Validate(); err != nil {
		return FeeSplit{}, err
	}

	platformFee, err := PercentOf(clearingPrice, fees.PlatformFeePercentage)
	if err != nil {
		return FeeSplit{}, fmt.Errorf("platform fee: %w", err)
	}
	publisherPayment, err := PercentOf(clearingPrice, fees.PublisherRevShare)
	if err != nil {
		return FeeSplit{}, fmt.Errorf("publisher payment: %w", err)
	}

	return FeeSplit{PlatformFee: platformFee, PublisherPayment: publisherPayment}, nil
}

// PercentOf returns amount*pct/100 with integer truncation.
// The product is computed in arbitrary precision so large amounts cannot wrap.
func PercentOf(amount uint64, pct uint8) (uint64, error) {
	amountDecimal := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
	pctDecimal := decimal.NewFromInt(int64(pct))

	quotient, _ := amountDecimal.Mul(pctDecimal).QuoRem(hundred, 0)

	result := quotient.BigInt()
	if !result.IsUint64() {
		return 0, ErrOverflow
	}
	return result.Uint64(), nil
}

// FormatAmount renders a base-unit amount with the given number of decimals, e.g. 1500000 with 6
// decimals is "1.5".
func FormatAmount(amount uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals).String()
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrUnderflow.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrUnderflow
	}
	return diff, nil
}
