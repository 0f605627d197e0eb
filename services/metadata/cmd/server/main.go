package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mr-Ben-dev/ZkWork/pkg/db"
	"github.com/Mr-Ben-dev/ZkWork/pkg/httpx"
	"github.com/Mr-Ben-dev/ZkWork/services/metadata/internal/auth"
	"github.com/Mr-Ben-dev/ZkWork/services/metadata/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func main() {
	pool := db.MustConnect()
	st := store.New(pool)

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8090"
	}
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		secret = "zkwork_dev_secret"
	}
	issuer := auth.NewIssuer(secret)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/auth/nonce", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		address := strings.TrimSpace(req.Address)
		if address == "" {
			httpx.WriteError(w, 400, "BAD_REQUEST", "address is required")
			return
		}
		nonce, err := auth.NewNonce()
		if err != nil {
			httpx.WriteError(w, 500, "INTERNAL", err.Error())
			return
		}
		now := time.Now().UTC()
		if err := st.SaveNonce(r.Context(), address, nonce, now.Add(auth.NonceTTL)); err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error())
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"nonce":   nonce,
			"message": auth.ChallengeMessage(nonce, now),
		})
	})

	r.Post("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address   string `json:"address"`
			Signature string `json:"signature"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		address := strings.TrimSpace(req.Address)
		if address == "" || strings.TrimSpace(req.Signature) == "" {
			httpx.WriteError(w, 400, "BAD_REQUEST", "address and signature are required")
			return
		}
		nonce, err := st.ConsumeNonce(r.Context(), address)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error())
			return
		}
		if nonce == "" {
			httpx.WriteError(w, 401, "NONCE_EXPIRED", "request a fresh nonce and sign again")
			return
		}
		token, err := issuer.Issue(address)
		if err != nil {
			httpx.WriteError(w, 500, "INTERNAL", err.Error())
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"token": token, "address": address})
	})

	r.Group(func(api chi.Router) {
		api.Use(issuer.Middleware)

		api.Post("/workers", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Address    string `json:"address"`
				SkillsHash string `json:"skillsHash"`
				BioHash    string `json:"bioHash"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if strings.TrimSpace(req.SkillsHash) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "skillsHash is required")
				return
			}
			worker, err := st.UpsertWorker(r.Context(), store.Worker{
				Address:    auth.Address(r.Context()),
				SkillsHash: strings.TrimSpace(req.SkillsHash),
				BioHash:    strings.TrimSpace(req.BioHash),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, worker)
		})

		api.Get("/workers/{address}", func(w http.ResponseWriter, r *http.Request) {
			worker, err := st.GetWorker(r.Context(), chi.URLParam(r, "address"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if worker == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "worker not found")
				return
			}
			httpx.WriteJSON(w, 200, worker)
		})

		api.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Title           string `json:"title"`
				DescriptionHash string `json:"descriptionHash"`
				CategoryHash    string `json:"categoryHash"`
				Budget          uint64 `json:"budget"`
				Currency        uint8  `json:"currency"`
				Deadline        uint64 `json:"deadline"`
				TransactionID   string `json:"transactionId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if strings.TrimSpace(req.DescriptionHash) == "" || req.Budget == 0 || req.Deadline == 0 {
				httpx.WriteError(w, 400, "BAD_REQUEST", "descriptionHash, budget and deadline are required")
				return
			}
			job, err := st.CreateJob(r.Context(), store.Job{
				ID:              "job_" + uuid.NewString(),
				ClientAddress:   auth.Address(r.Context()),
				Title:           strings.TrimSpace(req.Title),
				DescriptionHash: strings.TrimSpace(req.DescriptionHash),
				CategoryHash:    strings.TrimSpace(req.CategoryHash),
				Budget:          req.Budget,
				Currency:        int16(req.Currency),
				Deadline:        req.Deadline,
				TransactionID:   strings.TrimSpace(req.TransactionID),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, job)
		})

		api.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
			jobs, err := st.ListJobs(r.Context(), strings.TrimSpace(r.URL.Query().Get("status")))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if jobs == nil {
				jobs = []store.Job{}
			}
			httpx.WriteJSON(w, 200, jobs)
		})

		api.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			job, err := st.GetJob(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if job == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "job not found")
				return
			}
			httpx.WriteJSON(w, 200, job)
		})

		api.Post("/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			ok, err := st.CancelJob(r.Context(), chi.URLParam(r, "id"), auth.Address(r.Context()))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if !ok {
				httpx.WriteError(w, 409, "NOT_CANCELLABLE", "job is not open or not yours")
				return
			}
			w.WriteHeader(204)
		})

		api.Post("/jobs/{id}/applications", func(w http.ResponseWriter, r *http.Request) {
			jobID := chi.URLParam(r, "id")
			job, err := st.GetJob(r.Context(), jobID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if job == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "job not found")
				return
			}
			var req struct {
				CoverHash string `json:"coverHash"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			app, err := st.CreateApplication(r.Context(), store.Application{
				ID:            "app_" + uuid.NewString(),
				JobID:         jobID,
				WorkerAddress: auth.Address(r.Context()),
				CoverHash:     strings.TrimSpace(req.CoverHash),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, app)
		})

		api.Get("/jobs/{id}/applications", func(w http.ResponseWriter, r *http.Request) {
			apps, err := st.ListApplications(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if apps == nil {
				apps = []store.Application{}
			}
			httpx.WriteJSON(w, 200, apps)
		})

		api.Post("/agreements", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				JobID              string `json:"jobId"`
				WorkerAddress      string `json:"workerAddress"`
				Salary             uint64 `json:"salary"`
				Currency           uint8  `json:"currency"`
				DescriptionHash    string `json:"descriptionHash"`
				OnChainAgreementID string `json:"onChainAgreementId"`
				TransactionID      string `json:"transactionId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if strings.TrimSpace(req.WorkerAddress) == "" || req.Salary == 0 {
				httpx.WriteError(w, 400, "BAD_REQUEST", "workerAddress and salary are required")
				return
			}
			ag, err := st.CreateAgreement(r.Context(), store.Agreement{
				ID:                 "agr_" + uuid.NewString(),
				JobID:              strings.TrimSpace(req.JobID),
				ClientAddress:      auth.Address(r.Context()),
				WorkerAddress:      strings.TrimSpace(req.WorkerAddress),
				Salary:             req.Salary,
				Currency:           int16(req.Currency),
				DescriptionHash:    strings.TrimSpace(req.DescriptionHash),
				OnChainAgreementID: strings.TrimSpace(req.OnChainAgreementID),
				TransactionID:      strings.TrimSpace(req.TransactionID),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, ag)
		})

		api.Get("/agreements", func(w http.ResponseWriter, r *http.Request) {
			ags, err := st.ListAgreements(r.Context(), auth.Address(r.Context()), strings.TrimSpace(r.URL.Query().Get("role")))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if ags == nil {
				ags = []store.Agreement{}
			}
			httpx.WriteJSON(w, 200, ags)
		})

		api.Get("/agreements/{id}", func(w http.ResponseWriter, r *http.Request) {
			ag, err := st.GetAgreement(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if ag == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "agreement not found")
				return
			}
			httpx.WriteJSON(w, 200, ag)
		})

		api.Patch("/agreements/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			var req struct {
				OnChainAgreementID *string `json:"onChainAgreementId"`
				Status             *string `json:"status"`
				DeliverableHash    *string `json:"deliverableHash"`
				TransactionID      *string `json:"transactionId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			current, err := st.GetAgreement(r.Context(), id)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if current == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "agreement not found")
				return
			}
			if req.Status != nil && !store.ValidTransition(current.Status, *req.Status) {
				httpx.WriteError(w, 409, "INVALID_TRANSITION", "agreement cannot move from "+current.Status+" to "+*req.Status)
				return
			}
			ag, err := st.PatchAgreement(r.Context(), id, store.AgreementPatch{
				OnChainAgreementID: req.OnChainAgreementID,
				Status:             req.Status,
				DeliverableHash:    req.DeliverableHash,
				TransactionID:      req.TransactionID,
			})
			if err != nil {
				if err == store.ErrPinConflict {
					httpx.WriteError(w, 409, "PIN_CONFLICT", "a different on-chain agreement id is already pinned")
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, ag)
		})

		api.Post("/agreements/{id}/deliverables", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			var req struct {
				DeliverableHash string `json:"deliverableHash"`
				TransactionID   string `json:"transactionId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if strings.TrimSpace(req.DeliverableHash) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "deliverableHash is required")
				return
			}
			current, err := st.GetAgreement(r.Context(), id)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if current == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "agreement not found")
				return
			}
			if !store.ValidTransition(current.Status, store.AgreementDelivered) {
				httpx.WriteError(w, 409, "INVALID_TRANSITION", "agreement is not funded")
				return
			}
			status := store.AgreementDelivered
			hash := strings.TrimSpace(req.DeliverableHash)
			txID := strings.TrimSpace(req.TransactionID)
			ag, err := st.PatchAgreement(r.Context(), id, store.AgreementPatch{
				Status:          &status,
				DeliverableHash: &hash,
				TransactionID:   &txID,
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, ag)
		})

		api.Post("/escrows", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AgreementID   string `json:"agreementId"`
				Amount        uint64 `json:"amount"`
				Currency      uint8  `json:"currency"`
				TransactionID string `json:"transactionId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if strings.TrimSpace(req.AgreementID) == "" || req.Amount == 0 {
				httpx.WriteError(w, 400, "BAD_REQUEST", "agreementId and amount are required")
				return
			}
			current, err := st.GetAgreement(r.Context(), req.AgreementID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if current == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "agreement not found")
				return
			}
			if !store.ValidTransition(current.Status, store.AgreementFunded) {
				httpx.WriteError(w, 409, "INVALID_TRANSITION", "agreement is already funded or settled")
				return
			}
			escrow, err := st.CreateEscrow(r.Context(), store.Escrow{
				ID:            "esc_" + uuid.NewString(),
				AgreementID:   strings.TrimSpace(req.AgreementID),
				Amount:        req.Amount,
				Currency:      int16(req.Currency),
				TransactionID: strings.TrimSpace(req.TransactionID),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			funded := store.AgreementFunded
			if _, err := st.PatchAgreement(r.Context(), req.AgreementID, store.AgreementPatch{Status: &funded}); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, escrow)
		})

		api.Post("/escrows/complete", func(w http.ResponseWriter, r *http.Request) {
			settleEscrow(w, r, st, store.AgreementCompleted)
		})

		api.Post("/escrows/refund", func(w http.ResponseWriter, r *http.Request) {
			settleEscrow(w, r, st, store.AgreementRefunded)
		})

		api.Post("/reputation/claims", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AgreementID   string `json:"agreementId"`
				TransactionID string `json:"transactionId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			ev, err := st.RecordReputationEvent(r.Context(), store.ReputationEvent{
				ID:            "rep_" + uuid.NewString(),
				Address:       auth.Address(r.Context()),
				Kind:          "claim",
				AgreementID:   strings.TrimSpace(req.AgreementID),
				TransactionID: strings.TrimSpace(req.TransactionID),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, ev)
		})

		api.Post("/reputation/proofs", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				VerifierAddress string `json:"verifierAddress"`
				Threshold       uint64 `json:"threshold"`
				TransactionID   string `json:"transactionId"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if strings.TrimSpace(req.VerifierAddress) == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "verifierAddress is required")
				return
			}
			ev, err := st.RecordReputationEvent(r.Context(), store.ReputationEvent{
				ID:            "rep_" + uuid.NewString(),
				Address:       auth.Address(r.Context()),
				Kind:          "proof",
				Threshold:     req.Threshold,
				Verifier:      strings.TrimSpace(req.VerifierAddress),
				TransactionID: strings.TrimSpace(req.TransactionID),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, ev)
		})
	})

	http.ListenAndServe(":"+port, r)
}

// settleEscrow moves a locked escrow and its agreement to a terminal state.
// Complete requires a delivered agreement; refund also allows funded ones.
func settleEscrow(w http.ResponseWriter, r *http.Request, st *store.Store, agreementStatus string) {
	var req struct {
		AgreementID   string `json:"agreementId"`
		TransactionID string `json:"transactionId"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error())
		return
	}
	agreementID := strings.TrimSpace(req.AgreementID)
	if agreementID == "" {
		httpx.WriteError(w, 400, "BAD_REQUEST", "agreementId is required")
		return
	}
	current, err := st.GetAgreement(r.Context(), agreementID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error())
		return
	}
	if current == nil {
		httpx.WriteError(w, 404, "NOT_FOUND", "agreement not found")
		return
	}
	if !store.ValidTransition(current.Status, agreementStatus) {
		httpx.WriteError(w, 409, "INVALID_TRANSITION", "agreement cannot move from "+current.Status+" to "+agreementStatus)
		return
	}
	escrowStatus := "released"
	if agreementStatus == store.AgreementRefunded {
		escrowStatus = "refunded"
	}
	txID := strings.TrimSpace(req.TransactionID)
	escrow, err := st.SettleEscrow(r.Context(), agreementID, escrowStatus, txID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error())
		return
	}
	if escrow == nil {
		httpx.WriteError(w, 404, "NOT_FOUND", "no locked escrow for agreement")
		return
	}
	if _, err := st.PatchAgreement(r.Context(), agreementID, store.AgreementPatch{Status: &agreementStatus, TransactionID: &txID}); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error())
		return
	}
	httpx.WriteJSON(w, 200, escrow)
}
