// Package txflow submits program executions through the wallet and drives
// each resulting transaction to a terminal status. Every submitted
// transaction gets its own poller goroutine; the ledger records what the
// pollers learn.
package txflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mr-Ben-dev/ZkWork/pkg/ledger"
	"github.com/Mr-Ben-dev/ZkWork/pkg/wallet"
)

// ErrClosed means the orchestrator has shut down and accepts no new work.
var ErrClosed = errors.New("txflow: orchestrator closed")

// Confirmer is a secondary confirmation source raced against the wallet on
// every poll tick; whichever source reports a terminal state first wins.
// *explorer.Client satisfies it.
type Confirmer interface {
	Confirmed(ctx context.Context, id string) (bool, error)
}

// Config bounds a transaction's polling lifecycle.
type Config struct {
	// PollInterval between status queries.
	PollInterval time.Duration
	// MaxAttempts before the transaction is declared lost. With the default
	// interval this gives a transaction ten minutes to land.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 120
	}
	return c
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator owns the set of in-flight pollers.
type Orchestrator struct {
	wallet    wallet.Wallet
	ledger    *ledger.Ledger
	confirmer Confirmer
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func New(w wallet.Wallet, led *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		wallet:  w,
		ledger:  led,
		cfg:     Config{}.withDefaults(),
		logger:  slog.Default(),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit signs and broadcasts one execution, registers it in the ledger and
// starts a poller for it. A wallet failure returns before anything is
// recorded: no ledger entry and no poller may outlive a failed submission.
func (o *Orchestrator) Submit(ctx context.Context, ex wallet.Execution) (string, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.mu.Unlock()

	id, err := o.wallet.Execute(ctx, ex)
	if err != nil {
		return "", err
	}
	o.ledger.Add(id, ex.Function)
	o.Track(id, ex.Function)
	o.logger.Info("transaction submitted",
		"id", id, "function", ex.Function, "fee", ex.Fee)
	return id, nil
}

// Track starts a poller for an already-submitted transaction. Tracking the
// same id twice is a no-op.
func (o *Orchestrator) Track(id, function string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if _, dup := o.cancels[id]; dup {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancels[id] = cancel
	o.wg.Add(1)
	go o.poll(ctx, id, function)
}

// Close cancels every poller and waits for them to exit. In-flight
// transactions stay pending in the ledger; the chain settles them without us.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) poll(ctx context.Context, id, function string) {
	defer o.wg.Done()
	defer o.forget(id)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := o.wallet.Status(ctx, id)
		if err != nil {
			o.logger.Debug("status query failed",
				"id", id, "attempt", attempt, "err", err)
			// A wallet that lost track of the transaction says nothing
			// about the chain; the explorer may already have indexed it.
			if o.explorerConfirmed(ctx, id, function) {
				return
			}
			continue
		}

		// The wallet may replace the provisional submission id with the
		// canonical on-chain id partway through polling.
		if canonical := res.TransactionID; canonical != "" && canonical != id && strings.HasPrefix(canonical, "at1") {
			if o.ledger.RewriteID(id, canonical) {
				o.logger.Info("transaction id finalized",
					"provisional", id, "canonical", canonical)
				o.rename(id, canonical)
				id = canonical
			}
		}

		switch mapStatus(res.Status) {
		case ledger.StatusConfirmed:
			o.ledger.Confirm(id, res.Status)
			o.logger.Info("transaction confirmed", "id", id, "function", function)
			return
		case ledger.StatusFailed:
			o.ledger.Fail(id, res.Status)
			o.logger.Warn("transaction failed",
				"id", id, "function", function, "status", res.Status)
			return
		}

		if o.explorerConfirmed(ctx, id, function) {
			return
		}
	}

	o.ledger.Fail(id, "status polling exhausted")
	o.logger.Warn("transaction polling exhausted",
		"id", id, "function", function, "attempts", o.cfg.MaxAttempts)
}

// explorerConfirmed consults the secondary source. Only canonical on-chain
// ids are queryable, and the answer only ever promotes to confirmed: absence
// from an explorer is not evidence of failure.
func (o *Orchestrator) explorerConfirmed(ctx context.Context, id, function string) bool {
	if o.confirmer == nil || !strings.HasPrefix(id, "at1") {
		return false
	}
	ok, err := o.confirmer.Confirmed(ctx, id)
	if err != nil || !ok {
		return false
	}
	o.ledger.Confirm(id, "confirmed via explorer")
	o.logger.Info("transaction confirmed by explorer", "id", id, "function", function)
	return true
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
}

func (o *Orchestrator) rename(old, canonical string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[old]; ok {
		delete(o.cancels, old)
		o.cancels[canonical] = cancel
	}
}

// mapStatus folds wallet status vocabulary into the ledger's three states.
// Unknown strings stay pending; declaring failure on vocabulary drift would
// mislabel transactions that eventually confirm.
func mapStatus(s string) ledger.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "completed", "finalized", "confirmed":
		return ledger.StatusConfirmed
	case "failed", "rejected":
		return ledger.StatusFailed
	default:
		return ledger.StatusPending
	}
}
