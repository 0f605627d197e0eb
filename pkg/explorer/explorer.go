// Package explorer queries a public Aleo block explorer. The engine uses it
// as a secondary confirmation source when the wallet keeps reporting a
// transaction as pending past its polling budget.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound means the explorer has not indexed the transaction.
var ErrNotFound = errors.New("explorer: transaction not found")

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Transaction is the subset of the explorer's view the engine cares about.
type Transaction struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Type        string `json:"type,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
}

func (c *Client) Transaction(ctx context.Context, id string) (*Transaction, error) {
	u := c.BaseURL + "/transaction/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("explorer: http %d for %s", resp.StatusCode, id)
	}
	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, err
	}
	if tx.ID == "" {
		tx.ID = id
	}
	return &tx, nil
}

// Confirmed reports whether the explorer considers the transaction final.
// An indexed transaction without an explicit rejected status counts as
// confirmed: explorers only index transactions accepted into a block.
func (c *Client) Confirmed(ctx context.Context, id string) (bool, error) {
	tx, err := c.Transaction(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(tx.Status) {
	case "rejected", "failed", "aborted":
		return false, nil
	}
	return true, nil
}
