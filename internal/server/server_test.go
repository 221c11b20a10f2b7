package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/proposalbond/internal/bond"
	"github.com/alanyoungcy/proposalbond/internal/crypto"
	"github.com/alanyoungcy/proposalbond/internal/domain"
	"github.com/alanyoungcy/proposalbond/internal/escrow"
	"github.com/alanyoungcy/proposalbond/internal/governor"
	"github.com/alanyoungcy/proposalbond/internal/server/handler"
	"github.com/alanyoungcy/proposalbond/internal/service"
)

const testChainID = 31337

var (
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	voterA    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	voterB    = common.HexToAddress("0x00000000000000000000000000000000000000b2")

	proposerSigner = mustSigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	intruderSigner = mustSigner("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	proposer       = proposerSigner.Address()
)

func mustSigner(key string) *crypto.ProposalSigner {
	s, err := crypto.NewProposalSigner(key, testChainID, custodian)
	if err != nil {
		panic(err)
	}
	return s
}

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	token *escrow.Token
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	token := escrow.NewToken()
	gov := governor.New(uint256.NewInt(1))
	bus := service.NewMemoryBus(0)
	fanout := service.NewEventFanout(bus, nil, nil, logger)
	ctrl := bond.NewController(bond.Deps{
		Policy:    bond.NewPolicy(uint256.NewInt(100)),
		Ledger:    bond.NewMemoryLedger(),
		Engine:    gov,
		Oracle:    gov,
		Gateway:   escrow.NewCustodian(token, custodian),
		Custodian: custodian,
		Events:    fanout,
	}, logger)

	h := NewHandler(Config{APIKey: apiKey}, Handlers{
		Health: handler.NewHealthHandler(nil, logger),
		Status: handler.NewStatusHandler(handler.StatusInfo{
			Mode: "server", LedgerBackend: "memory", GovernorBackend: "sim", StartedAt: time.Now(),
		}, ctrl, logger),
		Bonds:     handler.NewBondHandler(ctrl, logger),
		Proposals: handler.NewProposalHandler(ctrl, crypto.NewProposalVerifier(testChainID, custodian), logger),
		Events:    handler.NewEventHandler(fanout, logger),
		Sim:       handler.NewSimHandler(gov, token, logger),
	}, nil, nil, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, token: token}
}

func (h *harness) do(method, path string, body any, headers ...string) (int, map[string]any) {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// proposalBody builds a POST /api/proposals body for account, signed by
// signer, with targets zero-value empty-calldata actions.
func (h *harness) proposalBody(signer *crypto.ProposalSigner, account common.Address, targets int, description string) map[string]any {
	h.t.Helper()
	req := domain.ProposalRequest{
		Proposer:    account,
		Targets:     []common.Address{},
		Values:      []*uint256.Int{},
		Calldatas:   [][]byte{},
		Description: description,
	}
	ts, vs, cs := []string{}, []string{}, []string{}
	for i := 0; i < targets; i++ {
		target := common.BigToAddress(uint256.NewInt(uint64(0x100 + i)).ToBig())
		req.Targets = append(req.Targets, target)
		req.Values = append(req.Values, uint256.NewInt(0))
		req.Calldatas = append(req.Calldatas, []byte{})
		ts = append(ts, target.Hex())
		vs = append(vs, "0")
		cs = append(cs, "0x")
	}
	deadline := uint64(time.Now().Add(time.Hour).Unix())
	sig, err := signer.Sign(req, deadline)
	require.NoError(h.t, err)
	return map[string]any{
		"proposer":    account.Hex(),
		"targets":     ts,
		"values":      vs,
		"calldatas":   cs,
		"description": description,
		"deadline":    deadline,
		"signature":   sig,
	}
}

func (h *harness) propose(targets int, description string) string {
	h.t.Helper()
	code, out := h.do(http.MethodPost, "/api/proposals", h.proposalBody(proposerSigner, proposer, targets, description))
	require.Equal(h.t, http.StatusCreated, code, out)
	return out["proposal_id"].(string)
}

func (h *harness) vote(id string, voter common.Address, support, weight string) {
	h.t.Helper()
	code, out := h.do(http.MethodPost, "/api/sim/proposals/"+id+"/votes", map[string]string{
		"voter": voter.Hex(), "support": support, "weight": weight,
	})
	require.Equal(h.t, http.StatusOK, code, out)
}

func (h *harness) action(id, action string) {
	h.t.Helper()
	code, out := h.do(http.MethodPost, "/api/sim/proposals/"+id+"/"+action, nil)
	require.Equal(h.t, http.StatusOK, code, out)
}

func (h *harness) fund(amount string) {
	h.t.Helper()
	code, _ := h.do(http.MethodPost, "/api/sim/token/mint", map[string]string{"account": proposer.Hex(), "amount": amount})
	require.Equal(h.t, http.StatusOK, code)
	code, _ = h.do(http.MethodPost, "/api/sim/token/approve", map[string]string{
		"owner": proposer.Hex(), "spender": custodian.Hex(), "amount": amount,
	})
	require.Equal(h.t, http.StatusOK, code)
}

func TestForfeitFlow(t *testing.T) {
	h := newHarness(t, "")
	h.fund("1000")

	id := h.propose(3, "raise fees")
	assert.Equal(t, "700", h.token.BalanceOf(proposer).Dec())

	code, bal := h.do(http.MethodGet, "/api/bonds/balances", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "300", bal["locked"])

	// Still pending.
	code, out := h.do(http.MethodPost, "/api/bonds/"+id+"/refund", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_proposal_status", out["code"])

	h.action(id, "activate")
	h.vote(id, voterA, "against", "10")
	h.vote(id, voterB, "against_without_bond_return", "5")
	h.action(id, "close")

	code, out = h.do(http.MethodPost, "/api/bonds/"+id+"/refund", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "bond_not_eligible_for_refund", out["code"])

	code, out = h.do(http.MethodPost, "/api/bonds/"+id+"/forfeit", nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "forfeited", out["status"])

	code, out = h.do(http.MethodPost, "/api/bonds/"+id+"/forfeit", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "bond_already_resolved", out["code"])

	_, bal = h.do(http.MethodGet, "/api/bonds/balances", nil)
	assert.Equal(t, "0", bal["locked"])
	assert.Equal(t, "300", bal["forfeited"])
	assert.Equal(t, "700", h.token.BalanceOf(proposer).Dec())

	_, events := h.do(http.MethodGet, "/api/events", nil)
	assert.EqualValues(t, 2, events["count"])
}

func TestRefundOnTie(t *testing.T) {
	h := newHarness(t, "")
	h.fund("500")

	id := h.propose(2, "tie")
	h.action(id, "activate")
	h.vote(id, voterA, "against", "7")
	h.vote(id, voterB, "against_without_bond_return", "7")
	h.action(id, "close")

	code, out := h.do(http.MethodPost, "/api/bonds/"+id+"/forfeit", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "bond_not_eligible_for_forfeiture", out["code"])

	code, out = h.do(http.MethodPost, "/api/bonds/"+id+"/settle", nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "refunded", out["status"])
	assert.Equal(t, "500", h.token.BalanceOf(proposer).Dec())

	_, list := h.do(http.MethodGet, "/api/bonds?unresolved=true", nil)
	assert.EqualValues(t, 0, list["count"])
}

func TestProposeWithoutAllowanceLeavesNoState(t *testing.T) {
	h := newHarness(t, "")
	code, _ := h.do(http.MethodPost, "/api/sim/token/mint", map[string]string{"account": proposer.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, code)

	code, out := h.do(http.MethodPost, "/api/proposals", h.proposalBody(proposerSigner, proposer, 1, "no allowance"))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "insufficient_allowance", out["code"])

	_, list := h.do(http.MethodGet, "/api/bonds", nil)
	assert.EqualValues(t, 0, list["count"])
	assert.Equal(t, "1000", h.token.BalanceOf(proposer).Dec())
}

func TestBondQueries(t *testing.T) {
	h := newHarness(t, "")

	code, out := h.do(http.MethodGet, "/api/bonds/calculate?targets=4", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "400", out["bond"])

	code, _ = h.do(http.MethodGet, "/api/bonds/calculate?targets=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = h.do(http.MethodGet, "/api/bonds/price", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100", out["price_per_target"])
	assert.Equal(t, custodian.Hex(), out["custodian"])

	code, out = h.do(http.MethodGet, "/api/bonds/0x"+common.Bytes2Hex(make([]byte, 32)), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "bond_not_active", out["code"])

	code, _ = h.do(http.MethodGet, "/api/bonds/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	h := newHarness(t, "k")

	code, _ := h.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodGet, "/api/bonds", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(http.MethodGet, "/api/bonds", nil, "X-API-Key", "k")
	assert.Equal(t, http.StatusOK, code)

	code, out := h.do(http.MethodGet, "/api/status", nil, "Authorization", "Bearer k")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "memory", out["ledger_backend"])
	assert.Equal(t, "0", out["balances"].(map[string]any)["locked"])
}

func TestProposeRequiresProposerSignature(t *testing.T) {
	h := newHarness(t, "")
	h.fund("100")

	// A third party names the funded account as proposer but signs with
	// its own key.
	code, out := h.do(http.MethodPost, "/api/proposals", h.proposalBody(intruderSigner, proposer, 1, "spend someone else's allowance"))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_signature", out["code"])

	// A valid signature does not carry over to an edited proposal.
	body := h.proposalBody(proposerSigner, proposer, 1, "signed text")
	body["description"] = "edited text"
	code, out = h.do(http.MethodPost, "/api/proposals", body)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_signature", out["code"])

	// Nor past its deadline.
	body = h.proposalBody(proposerSigner, proposer, 1, "stale")
	body["deadline"] = uint64(time.Now().Add(-time.Minute).Unix())
	code, _ = h.do(http.MethodPost, "/api/proposals", body)
	assert.Equal(t, http.StatusUnauthorized, code)

	body = h.proposalBody(proposerSigner, proposer, 1, "garbled")
	body["signature"] = "0xzz"
	code, _ = h.do(http.MethodPost, "/api/proposals", body)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, "100", h.token.BalanceOf(proposer).Dec())
	_, bal := h.do(http.MethodGet, "/api/bonds/balances", nil)
	assert.Equal(t, "0", bal["locked"])
	_, list := h.do(http.MethodGet, "/api/bonds", nil)
	assert.EqualValues(t, 0, list["count"])
}
