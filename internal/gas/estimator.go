// Package gas computes resource budgets for ledger writes.
package gas

import (
	"context"

	"invoicerail/internal/ledger"
)

// bufferNum/bufferDen apply the fixed 20% safety margin. Ledger state can
// shift between estimation and submission, so the buffer trades a small cost
// for submission reliability. There is no retry-with-higher-gas loop: an
// insufficient buffered estimate fails the write and is surfaced.
const (
	bufferNum = 120
	bufferDen = 100
)

// Estimator turns the gateway's base estimate into a buffered gas limit.
type Estimator struct {
	gateway ledger.Gateway
}

func NewEstimator(gw ledger.Gateway) *Estimator {
	return &Estimator{gateway: gw}
}

// Estimate queries the gateway for the exact call about to be submitted and
// returns ceil(base * 1.20).
func (e *Estimator) Estimate(ctx context.Context, call ledger.CallSpec) (uint64, error) {
	base, err := e.gateway.Estimate(ctx, call)
	if err != nil {
		return 0, err
	}
	return Buffered(base), nil
}

// Buffered is the integer ceiling of base multiplied by the safety margin.
func Buffered(base uint64) uint64 {
	return (base*bufferNum + bufferDen - 1) / bufferDen
}
