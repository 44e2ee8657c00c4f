// Package fee prices update submissions
package fee

import (
	"fmt"
	"math/big"
)

// Schedule charges a flat fee per price update
type Schedule struct {
	single *big.Int
}

// NewSchedule creates a schedule charging singleUpdateFee per update
func NewSchedule(singleUpdateFee *big.Int) (Schedule, error) {
	if singleUpdateFee == nil || singleUpdateFee.Sign() < 0 {
		return Schedule{}, fmt.Errorf("single update fee must be non-negative")
	}
	return Schedule{single: new(big.Int).Set(singleUpdateFee)}, nil
}

// ParseSchedule parses a base-10 single update fee
func ParseSchedule(singleUpdateFee string) (Schedule, error) {
	v, ok := new(big.Int).SetString(singleUpdateFee, 10)
	if !ok {
		return Schedule{}, fmt.Errorf("invalid single update fee %q", singleUpdateFee)
	}
	return NewSchedule(v)
}

// SingleUpdateFee returns the per-update fee
func (s Schedule) SingleUpdateFee() *big.Int {
	if s.single == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.single)
}

// MinFee returns the minimum payment for updateCount updates
func (s Schedule) MinFee(updateCount int) *big.Int {
	if updateCount <= 0 || s.single == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(big.NewInt(int64(updateCount)), s.single)
}

// Covers reports whether payment is enough for updateCount updates
func (s Schedule) Covers(payment *big.Int, updateCount int) bool {
	if payment == nil {
		payment = new(big.Int)
	}
	return payment.Cmp(s.MinFee(updateCount)) >= 0
}
