package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"group-escrow/internal/domain"
	"group-escrow/internal/escrow"
	"group-escrow/internal/notify"
	"group-escrow/internal/sequencer"
	"group-escrow/internal/storage/memory"
	"group-escrow/internal/token"
	"group-escrow/internal/verification"
)

var (
	testStart = time.Unix(1_700_000_000, 0)
	escrowAcc = domain.Address{2, 0xE0}
	organizer = domain.Address{2, 0xA0}
	recipient = domain.Address{2, 0xA1}
	alice     = domain.Address{2, 0x01}
	vendor    = domain.Address{3} // on-curve
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock   *clock
	ledger  *token.Ledger
	archive *memory.NotificationStore
	hub     *notify.Hub
	handler http.Handler
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	clk := &clock{now: testStart}
	ledger := token.NewLedger()
	store := memory.NewLedgerStore()
	archive := memory.NewNotificationStore()
	hub := notify.NewHub(nil, logger)

	engine := escrow.NewEngine(escrow.EngineOptions{
		Store:    store,
		Medium:   ledger,
		Account:  escrowAcc,
		Notifier: notify.Multi{notify.NewArchiver(archive), hub},
		Clock:    clk.Now,
		Logger:   logger,
	})
	seq := sequencer.New(8)
	seq.Start()
	t.Cleanup(func() {
		seq.Close()
		hub.Close()
	})

	srv := NewServer(ServerOptions{
		Engine:    engine,
		Sequencer: seq,
		Verifier: verification.NewVerifier(verification.VerifierOptions{
			Store: store, Medium: ledger, Account: escrowAcc, Clock: clk.Now,
		}),
		Archive: archive,
		Stream:  hub,
		Ledger:  ledger,
		Logger:  logger,
	})

	return &testEnv{clock: clk, ledger: ledger, archive: archive, hub: hub, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, who *domain.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if who != nil {
		req.Header.Set(CallerHeader, who.String())
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (e *testEnv) createPool(t *testing.T, threshold uint64) uint64 {
	t.Helper()
	req := CreatePoolRequest{
		Recipient:       recipient,
		Deadline:        testStart.Unix() + 300,
		CooldownSeconds: 60,
		Tiers: []TierRequest{{
			Threshold:    threshold,
			DocumentHash: escrow.HashDocument([]byte("quote")),
			Vendor:       vendor,
		}},
	}
	rr := e.do(t, http.MethodPost, "/pools", &organizer, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[map[string]uint64](t, rr)["pool_id"]
}

func TestHealth(t *testing.T) {
	env := setup(t)
	rr := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestRequestIDPropagates(t *testing.T) {
	env := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/pools/9", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, "req-123", rr.Header().Get("X-Request-Id"))
	assert.Equal(t, "req-123", decode[errorResponse](t, rr).RequestID)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setup(t)
	env.do(t, http.MethodGet, "/health", nil, nil)
	rr := env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "group_escrow_http_requests_total")
}

func TestPoolLifecycleOverHTTP(t *testing.T) {
	env := setup(t)
	id := env.createPool(t, 100)

	rr := env.do(t, http.MethodPost, "/pools/1/tiers/1/attest", &vendor, AttestRequest{ValidUntil: testStart.Unix() + 360})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "commitment")

	require.NoError(t, env.ledger.Mint(alice, 150))
	require.NoError(t, env.ledger.Approve(context.Background(), alice, escrowAcc, 150))

	rr = env.do(t, http.MethodPost, "/pools/1/contribute", &alice, ContributeRequest{Amount: 150})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, AmountResponse{PoolID: id, Amount: 150}, decode[AmountResponse](t, rr))

	rr = env.do(t, http.MethodGet, "/pools/1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decode[escrow.PoolSummary](t, rr)
	assert.Equal(t, domain.StateActive, summary.State)
	assert.Equal(t, uint64(150), summary.Pool.TotalRaised)

	rr = env.do(t, http.MethodGet, "/pools/1/contributions/"+alice.String(), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, uint64(150), decode[domain.Contribution](t, rr).Amount)

	env.clock.Advance(360 * time.Second)

	rr = env.do(t, http.MethodPost, "/pools/1/finalize", &alice, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, uint64(150), decode[AmountResponse](t, rr).Amount)

	rr = env.do(t, http.MethodPost, "/pools/1/finalize", &alice, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "idempotence", decode[errorResponse](t, rr).Class)

	rr = env.do(t, http.MethodGet, "/pools/1/state", nil, nil)
	assert.Contains(t, rr.Body.String(), `"state":"PAID"`)

	rr = env.do(t, http.MethodGet, "/pools/1/notifications", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var kinds []domain.NotificationKind
	for _, n := range decode[[]domain.Notification](t, rr) {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []domain.NotificationKind{
		domain.NotificationPoolCreated,
		domain.NotificationTierAdded,
		domain.NotificationQuoteAttested,
		domain.NotificationContributed,
		domain.NotificationFinalized,
	}, kinds)

	rr = env.do(t, http.MethodGet, "/pools/1/verify", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[verification.VerificationResult](t, rr).Match)

	rr = env.do(t, http.MethodGet, "/verify", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[verification.VerificationReport](t, rr)
	assert.Equal(t, 1, report.MatchedPools)
	assert.Nil(t, report.Custody)
}

func TestErrorStatuses(t *testing.T) {
	env := setup(t)
	env.createPool(t, 100)

	tests := []struct {
		name   string
		method string
		path   string
		who    *domain.Address
		body   any
		status int
	}{
		{"unknown pool", http.MethodGet, "/pools/42", nil, nil, http.StatusNotFound},
		{"bad pool id", http.MethodGet, "/pools/abc", nil, nil, http.StatusBadRequest},
		{"bad tier index", http.MethodGet, "/pools/1/tiers/300", nil, nil, http.StatusBadRequest},
		{"invalid tier", http.MethodGet, "/pools/1/tiers/2", nil, nil, http.StatusNotFound},
		{"missing caller", http.MethodPost, "/pools/1/exit", nil, nil, http.StatusUnauthorized},
		{"wrong vendor", http.MethodPost, "/pools/1/tiers/1/attest", &alice, AttestRequest{ValidUntil: testStart.Unix() + 360}, http.StatusForbidden},
		{"not active", http.MethodPost, "/pools/1/contribute", &alice, ContributeRequest{Amount: 1}, http.StatusConflict},
		{"not refunding", http.MethodPost, "/pools/1/refund", &alice, nil, http.StatusConflict},
		{"unknown field", http.MethodPost, "/pools/1/contribute", &alice, map[string]any{"amount": 1, "extra": true}, http.StatusBadRequest},
		{"validation", http.MethodPost, "/pools", &organizer, CreatePoolRequest{Recipient: recipient}, http.StatusBadRequest},
		{"verify unknown", http.MethodGet, "/pools/42/verify", nil, nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, tt.who, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestTransferFailureIsBadGateway(t *testing.T) {
	env := setup(t)
	env.createPool(t, 100)
	rr := env.do(t, http.MethodPost, "/pools/1/tiers/1/attest", &vendor, AttestRequest{ValidUntil: testStart.Unix() + 360})
	require.Equal(t, http.StatusOK, rr.Code)

	// No allowance granted.
	require.NoError(t, env.ledger.Mint(alice, 10))
	rr = env.do(t, http.MethodPost, "/pools/1/contribute", &alice, ContributeRequest{Amount: 10})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "transfer", decode[errorResponse](t, rr).Class)
}

func TestMemoryMediumFundsContributions(t *testing.T) {
	env := setup(t)
	env.createPool(t, 100)
	rr := env.do(t, http.MethodPost, "/pools/1/tiers/1/attest", &vendor, AttestRequest{ValidUntil: testStart.Unix() + 360})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/medium/mint", nil, MintRequest{Amount: 120})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/medium/mint", &alice, MintRequest{Amount: 120})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, AccountResponse{Account: alice, Balance: 120}, decode[AccountResponse](t, rr))

	rr = env.do(t, http.MethodPost, "/medium/approve", &alice, ApproveRequest{Amount: 120})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, uint64(120), decode[AccountResponse](t, rr).Allowance)

	rr = env.do(t, http.MethodPost, "/pools/1/contribute", &alice, ContributeRequest{Amount: 120})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, uint64(120), decode[AmountResponse](t, rr).Amount)

	rr = env.do(t, http.MethodGet, "/medium/accounts/"+alice.String(), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, AccountResponse{Account: alice}, decode[AccountResponse](t, rr))

	rr = env.do(t, http.MethodGet, "/medium/accounts/"+escrowAcc.String(), nil, nil)
	assert.Equal(t, uint64(120), decode[AccountResponse](t, rr).Balance)

	rr = env.do(t, http.MethodGet, "/pools/1", nil, nil)
	assert.Equal(t, domain.StateActive, decode[escrow.PoolSummary](t, rr).State)
}

func TestMediumRoutesNeedLedger(t *testing.T) {
	handler := NewServer(ServerOptions{Logger: log.New(io.Discard, "", 0)}).Router()
	req := httptest.NewRequest(http.MethodPost, "/medium/mint", strings.NewReader(`{"amount":1}`))
	req.Header.Set(CallerHeader, alice.String())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHashDocument(t *testing.T) {
	env := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/documents/hash", strings.NewReader("quote"))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[map[string]domain.Hash](t, rr)["document_hash"]
	assert.Equal(t, escrow.HashDocument([]byte("quote")), got)
}

func TestPoolCountAndLists(t *testing.T) {
	env := setup(t)
	env.createPool(t, 100)
	env.createPool(t, 200)

	rr := env.do(t, http.MethodGet, "/pools", nil, nil)
	assert.Equal(t, uint64(2), decode[map[string]uint64](t, rr)["pool_count"])

	rr = env.do(t, http.MethodGet, "/pools/2/tiers", nil, nil)
	tiers := decode[[]domain.Tier](t, rr)
	require.Len(t, tiers, 1)
	assert.Equal(t, uint64(200), tiers[0].Threshold)

	rr = env.do(t, http.MethodGet, "/pools/2/contributions", nil, nil)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = env.do(t, http.MethodGet, "/pools/2/tiers/1/attestation", nil, nil)
	assert.False(t, decode[domain.AttestationStatus](t, rr).Attested)
}

func TestStreamThroughRouter(t *testing.T) {
	env := setup(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := notify.Subscribe(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", 0, nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.createPool(t, 100)

	select {
	case n := <-sub.Notifications():
		assert.Equal(t, domain.NotificationPoolCreated, n.Kind)
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}
}
