// Package govnode is the REST client for a remote governance node. The node
// runs the proposal engine, reports proposal state and vote tallies, and
// moves bond funds on behalf of the custodian.
package govnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/crypto"
	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// Client talks to a governance node over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	signer     *crypto.RequestSigner
	httpClient *http.Client
}

// NewClient creates a Client. baseURL is the node root, e.g.
// "http://localhost:8545/gov". An empty apiKey sends no credentials.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithSigner makes the client HMAC-sign every request. It returns c.
func (c *Client) WithSigner(s *crypto.RequestSigner) *Client {
	c.signer = s
	return c
}

// Propose implements domain.ProposalEngine.
func (c *Client) Propose(ctx context.Context, req domain.ProposalRequest) (domain.ProposalID, error) {
	var resp APIProposeResponse
	if err := c.do(ctx, http.MethodPost, "/proposals", toAPIPropose(req), &resp, nil); err != nil {
		return domain.ProposalID{}, fmt.Errorf("govnode: propose: %w", err)
	}
	id, err := domain.ParseProposalID(resp.ProposalID)
	if err != nil {
		return domain.ProposalID{}, fmt.Errorf("govnode: propose: %w", err)
	}
	return id, nil
}

// State implements domain.ProposalOracle.
func (c *Client) State(ctx context.Context, id domain.ProposalID) (domain.ProposalState, error) {
	var resp APIState
	if err := c.do(ctx, http.MethodGet, "/proposals/"+id.Hex()+"/state", nil, &resp, nil); err != nil {
		return 0, fmt.Errorf("govnode: state %s: %w", id.Hex(), err)
	}
	state, err := domain.ParseProposalState(resp.State)
	if err != nil {
		return 0, fmt.Errorf("govnode: state %s: %w", id.Hex(), err)
	}
	return state, nil
}

// VoteTally implements domain.ProposalOracle.
func (c *Client) VoteTally(ctx context.Context, id domain.ProposalID) (domain.VoteTally, error) {
	var resp APIVotes
	if err := c.do(ctx, http.MethodGet, "/proposals/"+id.Hex()+"/votes", nil, &resp, nil); err != nil {
		return domain.VoteTally{}, fmt.Errorf("govnode: votes %s: %w", id.Hex(), err)
	}
	return resp.ToDomain()
}

// HeaderIdempotencyKey lets the node recognise a retried transfer.
const HeaderIdempotencyKey = "Idempotency-Key"

// Transfer implements domain.EscrowGateway. The node performs at most one
// transfer per idempotency key, so a retry after a timeout cannot pay twice.
func (c *Client) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, idempotencyKey string) error {
	body := APITransferRequest{
		From:   from.Hex(),
		To:     to.Hex(),
		Amount: amount.Dec(),
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{HeaderIdempotencyKey: idempotencyKey}
	}
	if err := c.do(ctx, http.MethodPost, "/token/transfer", body, nil, headers); err != nil {
		return fmt.Errorf("govnode: transfer %s from %s to %s: %w", amount.Dec(), from.Hex(), to.Hex(), err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, in, out any, headers map[string]string) error {
	var data []byte
	var reqBody io.Reader
	if in != nil {
		var err error
		data, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.signer != nil {
		for k, v := range c.signer.Headers(method, path, data) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus maps node error responses onto domain sentinels.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr APIError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}

	switch apiErr.Code {
	case "insufficient_allowance":
		return fmt.Errorf("%w: %s", domain.ErrInsufficientAllowance, msg)
	case "insufficient_funds":
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, msg)
	case "invalid_proposal":
		return fmt.Errorf("%w: %s", domain.ErrInvalidProposal, msg)
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}

// Compile-time interface checks.
var (
	_ domain.ProposalEngine = (*Client)(nil)
	_ domain.ProposalOracle = (*Client)(nil)
	_ domain.EscrowGateway  = (*Client)(nil)
)
