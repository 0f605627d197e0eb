// Package reconcile links off-chain agreement rows to their on-chain
// agreement ids. The chain never exposes a lookup from metadata to record,
// so the engine matches on what both sides know: the salary and the job
// description hash. Once an id is pinned it becomes the only acceptable
// match for that agreement.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/Mr-Ben-dev/ZkWork/pkg/locator"
	"github.com/Mr-Ben-dev/ZkWork/pkg/offchain"
	"github.com/Mr-Ben-dev/ZkWork/pkg/record"
)

// sourceFunctions originate records that carry an agreement_id, in
// decreasing order of recency in a typical workflow. All are scanned; the
// order only affects log readability.
var sourceFunctions = []string{
	"submit_deliverable",
	"deposit_escrow_aleo",
	"commit_escrow_usdcx",
	"create_agreement",
}

// Outcome of one reconciliation attempt.
type Outcome string

const (
	// Pinned means exactly one distinct on-chain id matched and was
	// written back to the metadata service.
	Pinned Outcome = "pinned"
	// Ambiguous means several distinct ids matched the same salary and
	// description hash. Pinning any of them could bind the wrong
	// agreement, so none is chosen and the caller must disambiguate.
	Ambiguous Outcome = "ambiguous"
	// NotFound means no record matched, typically because the chain has
	// not yet synced the creating transaction.
	NotFound Outcome = "not-found"
)

type Result struct {
	Outcome    Outcome
	ID         string
	Candidates []string
}

// AgreementPatcher is the write-back surface. *offchain.Client satisfies it.
type AgreementPatcher interface {
	PatchAgreement(ctx context.Context, id string, patch offchain.AgreementPatch) (*offchain.Agreement, error)
}

type Reconciler struct {
	Locator  *locator.Locator
	Offchain AgreementPatcher
	Logger   *slog.Logger
}

func New(loc *locator.Locator, oc AgreementPatcher) *Reconciler {
	return &Reconciler{Locator: loc, Offchain: oc, Logger: slog.Default()}
}

// Pin resolves the on-chain agreement id for ag and records it off-chain.
// An agreement that already carries an id is returned as-is: pinning is
// one-shot and later scans must not move it.
func (r *Reconciler) Pin(ctx context.Context, ag offchain.Agreement) (Result, error) {
	if ag.OnChainAgreementID != "" {
		return Result{Outcome: Pinned, ID: ag.OnChainAgreementID}, nil
	}

	candidates, err := r.candidates(ctx, ag.Salary, ag.DescriptionHash)
	if err != nil {
		return Result{Outcome: NotFound}, err
	}

	switch len(candidates) {
	case 0:
		return Result{Outcome: NotFound}, nil
	case 1:
		id := candidates[0]
		if _, err := r.Offchain.PatchAgreement(ctx, ag.ID, offchain.AgreementPatch{OnChainAgreementID: &id}); err != nil {
			return Result{Outcome: NotFound, Candidates: candidates}, err
		}
		r.logger().Info("agreement id pinned", "agreement", ag.ID, "onchain", id)
		return Result{Outcome: Pinned, ID: id, Candidates: candidates}, nil
	default:
		r.logger().Warn("agreement id ambiguous",
			"agreement", ag.ID, "candidates", len(candidates))
		return Result{Outcome: Ambiguous, Candidates: candidates}, nil
	}
}

// candidates returns the distinct agreement ids carried by records whose
// salary and description hash both match, across every originating function.
func (r *Reconciler) candidates(ctx context.Context, salary uint64, descHash string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, fn := range sourceFunctions {
		pts, err := r.Locator.FindAll(ctx, locator.Criteria{FunctionName: fn}, "", matchFilter(salary, descHash))
		if err != nil {
			return nil, err
		}
		for _, pt := range pts {
			id, ok := record.AgreementID(pt)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// isAgreementShaped rejects the other record kinds that also carry an
// agreement_id (escrow receipts, delivery notices, completion receipts).
// Only an Agreement record has both a salary and a client field.
func isAgreementShaped(pt string) bool {
	fields := record.ParseFields(pt)
	_, hasSalary := fields["salary"]
	_, hasClient := fields["client"]
	return hasSalary && hasClient
}

func matchFilter(salary uint64, descHash string) locator.Filter {
	return func(pt string) bool {
		if !isAgreementShaped(pt) {
			return false
		}
		s, ok := record.Salary(pt)
		if !ok || s != salary {
			return false
		}
		if d, ok := record.DescriptionHash(pt); ok {
			return d == descHash
		}
		return true
	}
}

// AgreementFilter selects the record for an agreement during workflow
// operations. Before pinning it matches on salary and description hash;
// once pinned, only the exact id is accepted.
func AgreementFilter(pinnedID string, salary uint64, descHash string) locator.Filter {
	if pinnedID != "" {
		return func(pt string) bool {
			if !isAgreementShaped(pt) {
				return false
			}
			id, ok := record.AgreementID(pt)
			return ok && id == pinnedID
		}
	}
	return matchFilter(salary, descHash)
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
