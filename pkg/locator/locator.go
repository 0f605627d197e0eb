// Package locator finds the wallet records a transition needs as inputs.
// Every search runs newest-first over unspent records: recently issued
// records are less likely to be consumed elsewhere, so matching them first
// minimizes races against concurrent spends. A search that finds nothing is
// an expected outcome, not an error.
package locator

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mr-Ben-dev/ZkWork/pkg/record"
	"github.com/Mr-Ben-dev/ZkWork/pkg/wallet"
)

// Criteria narrows a search by record metadata. Zero fields are not applied.
type Criteria struct {
	FunctionName string
	ProgramName  string
}

// Filter accepts or rejects a decrypted plaintext.
type Filter func(plaintext string) bool

// Locator scans the wallet's record store for one program.
type Locator struct {
	Wallet    wallet.Wallet
	ProgramID string
	Logger    *slog.Logger
}

// New returns a Locator for the given default program.
func New(w wallet.Wallet, programID string) *Locator {
	return &Locator{Wallet: w, ProgramID: programID, Logger: slog.Default()}
}

// Find returns the newest unspent record matching the criteria and filter,
// or "" when none matches. Decrypt failures skip the candidate; they are not
// evidence of absence.
func (l *Locator) Find(ctx context.Context, c Criteria, programID string, filter Filter) (string, error) {
	return l.scan(ctx, c, programID, filter, true)
}

// FindAll returns every matching plaintext, newest first.
func (l *Locator) FindAll(ctx context.Context, c Criteria, programID string, filter Filter) ([]string, error) {
	var out []string
	err := l.forEachMatch(ctx, c, programID, filter, func(pt string) bool {
		out = append(out, pt)
		return false
	})
	return out, err
}

// FindWithRetry repeats Find up to maxAttempts+1 times with a fixed delay
// between attempts. Newly issued records need propagation time through the
// wallet's sync pipeline; the delay does not grow.
func (l *Locator) FindWithRetry(ctx context.Context, c Criteria, programID string, filter Filter, maxAttempts int, delay time.Duration) (string, error) {
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if attempt > 0 {
			l.logger().Debug("record not yet visible, retrying",
				"attempt", attempt+1, "max", maxAttempts+1, "function", c.FunctionName)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		pt, err := l.Find(ctx, c, programID, filter)
		if err != nil {
			return "", err
		}
		if pt != "" {
			return pt, nil
		}
	}
	return "", nil
}

func (l *Locator) scan(ctx context.Context, c Criteria, programID string, filter Filter, stopAtFirst bool) (string, error) {
	var found string
	err := l.forEachMatch(ctx, c, programID, filter, func(pt string) bool {
		found = pt
		return stopAtFirst
	})
	return found, err
}

// forEachMatch walks unspent records newest-first, resolving plaintext on
// demand, and calls visit for every acceptance until visit returns true.
func (l *Locator) forEachMatch(ctx context.Context, c Criteria, programID string, filter Filter, visit func(string) bool) error {
	if programID == "" {
		programID = l.ProgramID
	}
	recs, err := l.Wallet.Records(ctx, programID)
	if err != nil {
		return err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.Spent {
			continue
		}
		if c.FunctionName != "" && rec.FunctionName != c.FunctionName {
			continue
		}
		if c.ProgramName != "" && rec.ProgramName != c.ProgramName {
			continue
		}
		pt, ok := l.resolve(ctx, rec)
		if !ok {
			continue
		}
		if filter != nil && !filter(pt) {
			continue
		}
		if visit(pt) {
			return nil
		}
	}
	return nil
}

// resolve prefers an already-decrypted payload and falls back to the
// wallet's decrypt capability. The plaintext is used as-is for transition
// inputs; no fields are stripped.
func (l *Locator) resolve(ctx context.Context, rec record.Opaque) (string, bool) {
	if rec.HasPlaintext() {
		return rec.Plaintext, true
	}
	if !rec.HasCiphertext() {
		return "", false
	}
	pt, err := l.Wallet.Decrypt(ctx, rec.Ciphertext)
	if err != nil {
		l.logger().Warn("decrypt failed, skipping candidate",
			"function", rec.FunctionName, "err", err)
		return "", false
	}
	return pt, true
}

func (l *Locator) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
