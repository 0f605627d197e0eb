package locator

import (
	"context"

	"github.com/Mr-Ben-dev/ZkWork/pkg/record"
)

// Default fungible-asset programs.
const (
	CreditsProgramID = "credits.aleo"
	TokenProgramID   = "test_usdcx_stablecoin.aleo"
)

// Outcome says why a balance search concluded the way it did, so callers
// can distinguish "no record at all" from "records exist but none suffices"
// from "picked blind because nothing parsed".
type Outcome string

const (
	// Found means a record with balance >= the minimum was selected.
	Found Outcome = "found"
	// FallbackUsed means no record's balance parsed at all, so the first
	// decryptable record was returned best-effort. An unparseable record is
	// more likely a format mismatch than a zero balance; refusing outright
	// would block the user for nothing.
	FallbackUsed Outcome = "fallback"
	// Insufficient means at least one balance parsed but none met the
	// minimum. The fallback is never used in this case: picking a record
	// known to be short just because a neighbor failed to parse would
	// silently underfund the transition.
	Insufficient Outcome = "insufficient"
	// NotFound means no decryptable unspent record exists for the asset.
	NotFound Outcome = "not-found"
)

// BalanceResult reports a fungible-record selection.
type BalanceResult struct {
	Plaintext string
	Balance   uint64
	Outcome   Outcome
}

// balanceSpec describes one fungible asset's record shape.
type balanceSpec struct {
	programID string
	parse     func(plaintext string) (uint64, bool)
}

var (
	creditsSpec = balanceSpec{CreditsProgramID, record.Microcredits}
	tokenSpec   = balanceSpec{TokenProgramID, record.TokenAmount}
)

// Credits selects a native credits record with balance >= minAmount
// (micro units).
func (l *Locator) Credits(ctx context.Context, minAmount uint64) (BalanceResult, error) {
	return l.selectBalance(ctx, creditsSpec, minAmount)
}

// Token selects a stable-token record with balance >= minAmount.
func (l *Locator) Token(ctx context.Context, minAmount uint64) (BalanceResult, error) {
	return l.selectBalance(ctx, tokenSpec, minAmount)
}

// selectBalance scans unspent records for the asset program and returns the
// first whose balance meets the minimum. The first decryptable record is
// remembered as a fallback, used only when no balance parsed anywhere.
func (l *Locator) selectBalance(ctx context.Context, spec balanceSpec, minAmount uint64) (BalanceResult, error) {
	recs, err := l.Wallet.Records(ctx, spec.programID)
	if err != nil {
		return BalanceResult{Outcome: NotFound}, err
	}

	var fallback string
	anyParsed := false

	for _, rec := range recs {
		if rec.Spent {
			continue
		}
		pt, ok := l.resolve(ctx, rec)
		if !ok {
			continue
		}
		if fallback == "" {
			fallback = pt
		}
		balance, ok := spec.parse(pt)
		if !ok {
			continue
		}
		anyParsed = true
		if balance >= minAmount {
			return BalanceResult{Plaintext: pt, Balance: balance, Outcome: Found}, nil
		}
	}

	if anyParsed {
		l.logger().Warn("all asset records below minimum",
			"program", spec.programID, "min", minAmount)
		return BalanceResult{Outcome: Insufficient}, nil
	}
	if fallback != "" {
		l.logger().Warn("no balance parseable, using first decryptable record",
			"program", spec.programID)
		return BalanceResult{Plaintext: fallback, Outcome: FallbackUsed}, nil
	}
	return BalanceResult{Outcome: NotFound}, nil
}
