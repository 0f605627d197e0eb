// Package offchain talks to the marketplace metadata service. The service
// stores only public discovery data and commitment hashes; salaries, record
// contents and keys never travel through it.
package offchain

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Error is the decoded shape of a non-2xx response.
type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("offchain error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// AuthStrategy attaches credentials to an outgoing request.
type AuthStrategy interface {
	Apply(req *http.Request) error
}

// BearerAuth sends a session token issued by VerifySignature.
type BearerAuth struct{ Token string }

func (a BearerAuth) Apply(req *http.Request) error {
	if strings.TrimSpace(a.Token) == "" {
		return errors.New("bearer token is required")
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthStrategy
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithAuth(a AuthStrategy) Option {
	return func(c *Client) { c.auth = a }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

// SetToken swaps the auth strategy after login.
func (c *Client) SetToken(token string) {
	c.auth = BearerAuth{Token: token}
}

func NewIdempotencyKey() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// --- wire types ---

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
	Currency        uint8     `json:"currency"`
	Deadline        uint64    `json:"deadline"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

type Application struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	WorkerAddress string    `json:"workerAddress"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Agreement struct {
	ID                 string    `json:"id"`
	JobID              string    `json:"jobId"`
	ClientAddress      string    `json:"clientAddress"`
	WorkerAddress      string    `json:"workerAddress"`
	Salary             uint64    `json:"salary"`
	Currency           uint8     `json:"currency"`
	DescriptionHash    string    `json:"descriptionHash"`
	OnChainAgreementID string    `json:"onChainAgreementId,omitempty"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"createdAt"`
}

// AgreementPatch updates mutable agreement fields. Nil fields are untouched.
type AgreementPatch struct {
	OnChainAgreementID *string `json:"onChainAgreementId,omitempty"`
	Status             *string `json:"status,omitempty"`
	DeliverableHash    *string `json:"deliverableHash,omitempty"`
	TransactionID      *string `json:"transactionId,omitempty"`
}

type Escrow struct {
	ID            string    `json:"id"`
	AgreementID   string    `json:"agreementId"`
	Amount        uint64    `json:"amount"`
	Currency      uint8     `json:"currency"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// --- auth flow ---

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

type verifyResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

// Nonce requests a one-time login challenge for the address.
func (c *Client) Nonce(ctx context.Context, address string) (string, error) {
	var out nonceResponse
	err := c.do(ctx, http.MethodPost, "/auth/nonce", map[string]string{"address": address}, nil, &out)
	return out.Nonce, err
}

// VerifySignature exchanges a signed nonce for a session token and arms the
// client with it.
func (c *Client) VerifySignature(ctx context.Context, address, signature string) (string, error) {
	body := map[string]string{"address": address, "signature": signature}
	var out verifyResponse
	if err := c.do(ctx, http.MethodPost, "/auth/verify", body, nil, &out); err != nil {
		return "", err
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

// --- workers ---

type RegisterWorkerRequest struct {
	Address    string `json:"address"`
	SkillsHash string `json:"skillsHash"`
	BioHash    string `json:"bioHash"`
}

func (c *Client) RegisterWorker(ctx context.Context, in RegisterWorkerRequest) (*Worker, error) {
	var out Worker
	if err := c.do(ctx, http.MethodPost, "/workers", in, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Worker(ctx context.Context, address string) (*Worker, error) {
	var out Worker
	if err := c.do(ctx, http.MethodGet, "/workers/"+url.PathEscape(address), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- jobs ---

type CreateJobRequest struct {
	Title           string `json:"title,omitempty"`
	DescriptionHash string `json:"descriptionHash"`
	CategoryHash    string `json:"categoryHash,omitempty"`
	Budget          uint64 `json:"budget"`
	Currency        uint8  `json:"currency"`
	Deadline        uint64 `json:"deadline"`
	TransactionID   string `json:"transactionId,omitempty"`
}

func (c *Client) CreateJob(ctx context.Context, in CreateJobRequest, idempotencyKey string) (*Job, error) {
	var out Job
	headers := idempotencyHeader(idempotencyKey)
	if err := c.do(ctx, http.MethodPost, "/jobs", in, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Jobs(ctx context.Context, status string) ([]Job, error) {
	path := "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []Job
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

func (c *Client) ApplyToJob(ctx context.Context, jobID, coverHash string) (*Application, error) {
	body := map[string]string{"coverHash": coverHash}
	var out Application
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/applications", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Applications(ctx context.Context, jobID string) ([]Application, error) {
	var out []Application
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/applications", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- agreements ---

type CreateAgreementRequest struct {
	JobID              string `json:"jobId"`
	WorkerAddress      string `json:"workerAddress"`
	Salary             uint64 `json:"salary"`
	DescriptionHash    string `json:"descriptionHash"`
	OnChainAgreementID string `json:"onChainAgreementId,omitempty"`
	TransactionID      string `json:"transactionId,omitempty"`
}

func (c *Client) CreateAgreement(ctx context.Context, in CreateAgreementRequest, idempotencyKey string) (*Agreement, error) {
	var out Agreement
	headers := idempotencyHeader(idempotencyKey)
	if err := c.do(ctx, http.MethodPost, "/agreements", in, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Agreement(ctx context.Context, id string) (*Agreement, error) {
	var out Agreement
	if err := c.do(ctx, http.MethodGet, "/agreements/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agreements lists agreements where the authenticated address participates,
// optionally filtered by role ("client" or "worker").
func (c *Client) Agreements(ctx context.Context, role string) ([]Agreement, error) {
	path := "/agreements"
	if role != "" {
		path += "?role=" + url.QueryEscape(role)
	}
	var out []Agreement
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatchAgreement partially updates one agreement. The engine uses it to pin
// the reconciled on-chain agreement id.
func (c *Client) PatchAgreement(ctx context.Context, id string, patch AgreementPatch) (*Agreement, error) {
	var out Agreement
	if err := c.do(ctx, http.MethodPatch, "/agreements/"+url.PathEscape(id), patch, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitDeliverable(ctx context.Context, agreementID, deliverableHash, txID string) (*Agreement, error) {
	body := map[string]string{"deliverableHash": deliverableHash, "transactionId": txID}
	var out Agreement
	if err := c.do(ctx, http.MethodPost, "/agreements/"+url.PathEscape(agreementID)+"/deliverables", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- escrows ---

type DepositEscrowRequest struct {
	AgreementID   string `json:"agreementId"`
	Amount        uint64 `json:"amount"`
	Currency      uint8  `json:"currency"`
	TransactionID string `json:"transactionId,omitempty"`
}

func (c *Client) DepositEscrow(ctx context.Context, in DepositEscrowRequest, idempotencyKey string) (*Escrow, error) {
	var out Escrow
	headers := idempotencyHeader(idempotencyKey)
	if err := c.do(ctx, http.MethodPost, "/escrows", in, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteEscrow records the payment-release transaction for an agreement.
func (c *Client) CompleteEscrow(ctx context.Context, agreementID, txID string) (*Escrow, error) {
	body := map[string]string{"agreementId": agreementID, "transactionId": txID}
	var out Escrow
	if err := c.do(ctx, http.MethodPost, "/escrows/complete", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefundEscrow records the refund transaction for an agreement.
func (c *Client) RefundEscrow(ctx context.Context, agreementID, txID string) (*Escrow, error) {
	body := map[string]string{"agreementId": agreementID, "transactionId": txID}
	var out Escrow
	if err := c.do(ctx, http.MethodPost, "/escrows/refund", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- reputation ---

func (c *Client) ClaimReputation(ctx context.Context, agreementID, txID string) error {
	body := map[string]string{"agreementId": agreementID, "transactionId": txID}
	return c.do(ctx, http.MethodPost, "/reputation/claims", body, nil, nil)
}

func (c *Client) ProveThreshold(ctx context.Context, verifierAddress string, threshold uint64, txID string) error {
	body := map[string]any{
		"verifierAddress": verifierAddress,
		"threshold":       threshold,
		"transactionId":   txID,
	}
	return c.do(ctx, http.MethodPost, "/reputation/proofs", body, nil, nil)
}

// --- transport ---

func idempotencyHeader(key string) map[string]string {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	attempts := c.retry.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "zkwork-go/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.auth != nil {
			if err := c.auth.Apply(req); err != nil {
				return err
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return parseError(resp.StatusCode, respBody)
	}
	return errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	out.RequestID, _ = obj["requestId"].(string)
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
