// Package canton is a client for the Canton Network JSON Ledger API. It
// covers the contract operations the settlement coordinator needs: create,
// exercise, query, fetch, party allocation, and health.
package canton

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// applicationID identifies this service in ledger command metadata.
const applicationID = "cantondex"

// ContractID identifies a DAML contract instance.
type ContractID struct {
	ContractID string
	TemplateID string
}

// Contract is one active contract returned by query or fetch.
type Contract struct {
	ContractID string                 `json:"contractId"`
	TemplateID string                 `json:"templateId"`
	Payload    map[string]interface{} `json:"payload"`
}

// Client talks to the JSON Ledger API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a ledger client with a bounded request timeout.
func NewClient(logger *zap.Logger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type commandMeta struct {
	ActAs         []string `json:"actAs"`
	ApplicationID string   `json:"applicationId"`
	CommandID     string   `json:"commandId"`
}

func newMeta(party string) commandMeta {
	return commandMeta{
		ActAs:         []string{party},
		ApplicationID: applicationID,
		CommandID:     "cmd_" + uuid.NewString(),
	}
}

// CreateContract creates a contract from a template and returns its id.
func (c *Client) CreateContract(ctx context.Context, templateID string, arguments map[string]interface{}, party string) (*ContractID, error) {
	payload := map[string]interface{}{
		"templateId": templateID,
		"payload":    arguments,
		"meta":       newMeta(party),
	}
	var result struct {
		Result struct {
			ContractID string `json:"contractId"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/v1/create", payload, &result); err != nil {
		return nil, fmt.Errorf("create %s contract: %w", templateID, err)
	}
	c.logger.Info("ledger contract created",
		zap.String("template_id", templateID),
		zap.String("contract_id", result.Result.ContractID))
	return &ContractID{ContractID: result.Result.ContractID, TemplateID: templateID}, nil
}

// ExerciseChoice exercises a choice on an existing contract.
func (c *Client) ExerciseChoice(ctx context.Context, contractID, choice string, arguments map[string]interface{}, party string) (map[string]interface{}, error) {
	payload := map[string]interface{}{
		"contractId": contractID,
		"choice":     choice,
		"argument":   arguments,
		"meta":       newMeta(party),
	}
	var result struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := c.post(ctx, "/v1/exercise", payload, &result); err != nil {
		return nil, fmt.Errorf("exercise %s on %s: %w", choice, contractID, err)
	}
	c.logger.Info("ledger choice exercised",
		zap.String("choice", choice),
		zap.String("contract_id", contractID))
	return result.Result, nil
}

// Query returns the active contracts of a template visible to a party,
// optionally filtered by payload fields.
func (c *Client) Query(ctx context.Context, templateID, party string, filter map[string]interface{}) ([]Contract, error) {
	if filter == nil {
		filter = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"templateIds": []string{templateID},
		"query":       filter,
		"readAs":      []string{party},
	}
	var result struct {
		Result []Contract `json:"result"`
	}
	if err := c.post(ctx, "/v1/query", payload, &result); err != nil {
		return nil, fmt.Errorf("query %s contracts: %w", templateID, err)
	}
	return result.Result, nil
}

// Fetch returns one contract by id, or nil if the ledger does not know it.
func (c *Client) Fetch(ctx context.Context, contractID, party string) (*Contract, error) {
	payload := map[string]interface{}{
		"contractId": contractID,
		"readAs":     []string{party},
	}
	var result struct {
		Result *Contract `json:"result"`
	}
	err := c.post(ctx, "/v1/fetch", payload, &result)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch contract %s: %w", contractID, err)
	}
	return result.Result, nil
}

// AllocateParty allocates a new ledger party.
func (c *Client) AllocateParty(ctx context.Context, identifierHint, displayName string) (string, error) {
	if displayName == "" {
		displayName = identifierHint
	}
	payload := map[string]interface{}{
		"identifierHint": identifierHint,
		"displayName":    displayName,
	}
	var result struct {
		Result struct {
			Identifier string `json:"identifier"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/v1/parties/allocate", payload, &result); err != nil {
		return "", fmt.Errorf("allocate party %s: %w", identifierHint, err)
	}
	c.logger.Info("ledger party allocated", zap.String("party", result.Result.Identifier))
	return result.Result.Identifier, nil
}

// Healthy reports whether the ledger API answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// APIError is a non-2xx response from the ledger API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger api status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
