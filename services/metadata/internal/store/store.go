// Package store persists the marketplace's public metadata: job postings,
// applications, agreement lifecycle and transaction references. Salaries in
// micro units and commitment hashes are the most sensitive values held here;
// record plaintext and keys never reach this store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type Worker struct {
	Address    string    `json:"address"`
	SkillsHash string    `json:"skillsHash"`
	BioHash    string    `json:"bioHash"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Job struct {
	ID              string    `json:"id"`
	ClientAddress   string    `json:"clientAddress"`
	Title           string    `json:"title,omitempty"`
	DescriptionHash string    `json:"descriptionHash"`
	CategoryHash    string    `json:"categoryHash,omitempty"`
	Budget          uint64    `json:"budget"`
	Currency        int16     `json:"currency"`
	Deadline        uint64    `json:"deadline"`
	Status          string    `json:"status"`
	TransactionID   string    `json:"transactionId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

type Application struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	WorkerAddress string    `json:"workerAddress"`
	CoverHash     string    `json:"coverHash,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Agreement struct {
	ID                 string    `json:"id"`
	JobID              string    `json:"jobId"`
	ClientAddress      string    `json:"clientAddress"`
	WorkerAddress      string    `json:"workerAddress"`
	Salary             uint64    `json:"salary"`
	Currency           int16     `json:"currency"`
	DescriptionHash    string    `json:"descriptionHash"`
	OnChainAgreementID string    `json:"onChainAgreementId,omitempty"`
	DeliverableHash    string    `json:"deliverableHash,omitempty"`
	Status             string    `json:"status"`
	TransactionID      string    `json:"transactionId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// AgreementPatch carries optional updates; nil fields are left untouched.
type AgreementPatch struct {
	OnChainAgreementID *string
	Status             *string
	DeliverableHash    *string
	TransactionID      *string
}

type Escrow struct {
	ID            string    `json:"id"`
	AgreementID   string    `json:"agreementId"`
	Amount        uint64    `json:"amount"`
	Currency      int16     `json:"currency"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ReputationEvent struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Kind          string    `json:"kind"`
	AgreementID   string    `json:"agreementId,omitempty"`
	Threshold     uint64    `json:"threshold,omitempty"`
	Verifier      string    `json:"verifier,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Agreement lifecycle states.
const (
	AgreementActive    = "active"
	AgreementFunded    = "funded"
	AgreementDelivered = "delivered"
	AgreementCompleted = "completed"
	AgreementRefunded  = "refunded"
)

// ValidTransition reports whether an agreement may move from one status to
// another. The ladder only moves forward; refunds branch off any funded
// state.
func ValidTransition(from, to string) bool {
	switch to {
	case AgreementFunded:
		return from == AgreementActive
	case AgreementDelivered:
		return from == AgreementFunded
	case AgreementCompleted:
		return from == AgreementDelivered
	case AgreementRefunded:
		return from == AgreementFunded || from == AgreementDelivered
	default:
		return false
	}
}

// --- nonces ---

func (s *Store) SaveNonce(ctx context.Context, address, nonce string, expires time.Time) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO metadata_nonces(address,nonce,expires_at)
VALUES($1,$2,$3)
ON CONFLICT (address) DO UPDATE SET nonce=EXCLUDED.nonce, expires_at=EXCLUDED.expires_at
`, address, nonce, expires)
	return err
}

// ConsumeNonce returns and deletes the live nonce for the address, or
// ("", nil) when none exists or it expired. A nonce is single use.
func (s *Store) ConsumeNonce(ctx context.Context, address string) (string, error) {
	var nonce string
	err := s.DB.QueryRow(ctx, `
DELETE FROM metadata_nonces
WHERE address=$1 AND expires_at > now()
RETURNING nonce
`, address).Scan(&nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return nonce, err
}

// --- workers ---

func (s *Store) UpsertWorker(ctx context.Context, w Worker) (Worker, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO metadata_workers(address,skills_hash,bio_hash)
VALUES($1,$2,$3)
ON CONFLICT (address) DO UPDATE SET skills_hash=EXCLUDED.skills_hash, bio_hash=EXCLUDED.bio_hash
RETURNING created_at
`, w.Address, w.SkillsHash, w.BioHash).Scan(&w.CreatedAt)
	return w, err
}

func (s *Store) GetWorker(ctx context.Context, address string) (*Worker, error) {
	var w Worker
	err := s.DB.QueryRow(ctx, `
SELECT address,skills_hash,bio_hash,created_at FROM metadata_workers WHERE address=$1
`, address).Scan(&w.Address, &w.SkillsHash, &w.BioHash, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// --- jobs ---

func (s *Store) CreateJob(ctx context.Context, j Job) (Job, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO metadata_jobs(id,client_address,title,description_hash,category_hash,budget,currency,deadline,status,tx_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,'open',$9)
RETURNING created_at
`, j.ID, j.ClientAddress, j.Title, j.DescriptionHash, j.CategoryHash, int64(j.Budget), j.Currency, int64(j.Deadline), j.TransactionID).Scan(&j.CreatedAt)
	j.Status = "open"
	return j, err
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRow(ctx, `
SELECT id,client_address,title,description_hash,category_hash,budget,currency,deadline,status,tx_id,created_at
FROM metadata_jobs WHERE id=$1
`, id)
	return scanJob(row)
}

func (s *Store) ListJobs(ctx context.Context, status string) ([]Job, error) {
	q := `
SELECT id,client_address,title,description_hash,category_hash,budget,currency,deadline,status,tx_id,created_at
FROM metadata_jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) CancelJob(ctx context.Context, id, clientAddress string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE metadata_jobs SET status='cancelled' WHERE id=$1 AND client_address=$2 AND status='open'
`, id, clientAddress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var budget, deadline int64
	err := row.Scan(&j.ID, &j.ClientAddress, &j.Title, &j.DescriptionHash, &j.CategoryHash,
		&budget, &j.Currency, &deadline, &j.Status, &j.TransactionID, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Budget = uint64(budget)
	j.Deadline = uint64(deadline)
	return &j, nil
}

// --- applications ---

func (s *Store) CreateApplication(ctx context.Context, a Application) (Application, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO metadata_applications(id,job_id,worker_address,cover_hash,status)
VALUES($1,$2,$3,$4,'pending')
RETURNING created_at
`, a.ID, a.JobID, a.WorkerAddress, a.CoverHash).Scan(&a.CreatedAt)
	a.Status = "pending"
	return a, err
}

func (s *Store) ListApplications(ctx context.Context, jobID string) ([]Application, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,job_id,worker_address,cover_hash,status,created_at
FROM metadata_applications WHERE job_id=$1 ORDER BY created_at
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Application
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.JobID, &a.WorkerAddress, &a.CoverHash, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- agreements ---

func (s *Store) CreateAgreement(ctx context.Context, a Agreement) (Agreement, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO metadata_agreements(id,job_id,client_address,worker_address,salary,currency,description_hash,on_chain_agreement_id,status,tx_id)
VALUES($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),'active',$9)
RETURNING created_at,updated_at
`, a.ID, a.JobID, a.ClientAddress, a.WorkerAddress, int64(a.Salary), a.Currency,
		a.DescriptionHash, a.OnChainAgreementID, a.TransactionID).Scan(&a.CreatedAt, &a.UpdatedAt)
	a.Status = AgreementActive
	return a, err
}

func (s *Store) GetAgreement(ctx context.Context, id string) (*Agreement, error) {
	row := s.DB.QueryRow(ctx, `
SELECT id,job_id,client_address,worker_address,salary,currency,description_hash,
       COALESCE(on_chain_agreement_id,''),COALESCE(deliverable_hash,''),status,tx_id,created_at,updated_at
FROM metadata_agreements WHERE id=$1
`, id)
	return scanAgreement(row)
}

func (s *Store) ListAgreements(ctx context.Context, address, role string) ([]Agreement, error) {
	q := `
SELECT id,job_id,client_address,worker_address,salary,currency,description_hash,
       COALESCE(on_chain_agreement_id,''),COALESCE(deliverable_hash,''),status,tx_id,created_at,updated_at
FROM metadata_agreements WHERE `
	switch role {
	case "client":
		q += `client_address=$1`
	case "worker":
		q += `worker_address=$1`
	default:
		q += `(client_address=$1 OR worker_address=$1)`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.DB.Query(ctx, q, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// PatchAgreement applies the non-nil fields. The on-chain id is written at
// most once: a second write with a different value fails the WHERE clause
// and reports no update, protecting the pin invariant at the storage layer.
func (s *Store) PatchAgreement(ctx context.Context, id string, p AgreementPatch) (*Agreement, error) {
	if p.OnChainAgreementID != nil {
		tag, err := s.DB.Exec(ctx, `
UPDATE metadata_agreements SET on_chain_agreement_id=$2, updated_at=now()
WHERE id=$1 AND (on_chain_agreement_id IS NULL OR on_chain_agreement_id=$2)
`, id, *p.OnChainAgreementID)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrPinConflict
		}
	}
	if p.Status != nil {
		if _, err := s.DB.Exec(ctx, `
UPDATE metadata_agreements SET status=$2, updated_at=now() WHERE id=$1
`, id, *p.Status); err != nil {
			return nil, err
		}
	}
	if p.DeliverableHash != nil {
		if _, err := s.DB.Exec(ctx, `
UPDATE metadata_agreements SET deliverable_hash=$2, updated_at=now() WHERE id=$1
`, id, *p.DeliverableHash); err != nil {
			return nil, err
		}
	}
	if p.TransactionID != nil {
		if _, err := s.DB.Exec(ctx, `
UPDATE metadata_agreements SET tx_id=$2, updated_at=now() WHERE id=$1
`, id, *p.TransactionID); err != nil {
			return nil, err
		}
	}
	return s.GetAgreement(ctx, id)
}

// ErrPinConflict means an agreement already carries a different on-chain id.
var ErrPinConflict = errors.New("store: on-chain agreement id already pinned")

func scanAgreement(row rowScanner) (*Agreement, error) {
	var a Agreement
	var salary int64
	err := row.Scan(&a.ID, &a.JobID, &a.ClientAddress, &a.WorkerAddress, &salary, &a.Currency,
		&a.DescriptionHash, &a.OnChainAgreementID, &a.DeliverableHash, &a.Status, &a.TransactionID,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Salary = uint64(salary)
	return &a, nil
}

// --- escrows ---

func (s *Store) CreateEscrow(ctx context.Context, e Escrow) (Escrow, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO metadata_escrows(id,agreement_id,amount,currency,status,tx_id)
VALUES($1,$2,$3,$4,'locked',$5)
RETURNING created_at
`, e.ID, e.AgreementID, int64(e.Amount), e.Currency, e.TransactionID).Scan(&e.CreatedAt)
	e.Status = "locked"
	return e, err
}

func (s *Store) SettleEscrow(ctx context.Context, agreementID, status, txID string) (*Escrow, error) {
	var e Escrow
	var amount int64
	err := s.DB.QueryRow(ctx, `
UPDATE metadata_escrows SET status=$2, tx_id=$3
WHERE agreement_id=$1 AND status='locked'
RETURNING id,agreement_id,amount,currency,status,tx_id,created_at
`, agreementID, status, txID).Scan(&e.ID, &e.AgreementID, &amount, &e.Currency, &e.Status, &e.TransactionID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Amount = uint64(amount)
	return &e, nil
}

// --- reputation ---

func (s *Store) RecordReputationEvent(ctx context.Context, ev ReputationEvent) (ReputationEvent, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO metadata_reputation_events(id,address,kind,agreement_id,threshold,verifier,tx_id)
VALUES($1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),$7)
RETURNING created_at
`, ev.ID, ev.Address, ev.Kind, ev.AgreementID, int64(ev.Threshold), ev.Verifier, ev.TransactionID).Scan(&ev.CreatedAt)
	return ev, err
}
