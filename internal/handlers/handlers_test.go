package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/archive"
	"github.com/streamweave/backend/internal/auth"
	"github.com/streamweave/backend/internal/gateway"
	"github.com/streamweave/backend/internal/middleware"
	"github.com/streamweave/backend/internal/models"
	"github.com/streamweave/backend/internal/orchestrator"
	"github.com/streamweave/backend/internal/paych"
	"github.com/streamweave/backend/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHistory map[uuid.UUID]*models.SessionRecord

func (f fakeHistory) GetSession(id uuid.UUID) (*models.SessionRecord, error) {
	return f[id], nil
}

type server struct {
	router  *gin.Engine
	jwt     *auth.JWTService
	ledger  *gateway.MockLedger
	clock   *clock.Mock
	history fakeHistory
}

func newServer(t *testing.T) *server {
	t.Helper()
	ledger := gateway.NewMockLedger(10)
	fast := gateway.RetryPolicy{Attempts: 2, Min: time.Millisecond, Max: 2 * time.Millisecond}

	pipeline, err := archive.New(archive.Config{
		BatchCount:        4,
		ConfirmationDelay: 2,
		RetentionEpochs:   100,
		PricePerEpoch:     decimal.RequireFromString("0.001"),
		RetryBudget:       1,
		Retry:             fast,
		PollInterval:      5 * time.Millisecond,
		FinalizeTimeout:   2 * time.Second,
		Providers:         []string{"f01000"},
	}, ledger, gateway.NewMemoryContentStore(), nil, clock.New())
	require.NoError(t, err)
	t.Cleanup(pipeline.Close)

	payments, err := paych.NewManager(paych.Config{
		RatePerMinute: decimal.RequireFromString("0.05"),
		Submit:        fast,
		Retry:         fast,
		SettleTimeout: time.Second,
	}, ledger, nil, clock.New())
	require.NoError(t, err)
	t.Cleanup(payments.Close)

	mock := clock.NewMock()
	sessions := session.NewManager(session.Config{WindowSize: 3}, nil, pipeline, nil, mock)
	orch := orchestrator.New(orchestrator.Config{InitialFunding: decimal.NewFromInt(5)}, sessions, pipeline, payments, mock)
	t.Cleanup(orch.Close)

	jwtService := auth.NewJWTService("test-secret", 1)
	history := fakeHistory{}
	router := gin.New()
	api := router.Group("/api/v1", middleware.AuthMiddleware(jwtService))
	Register(api, NewSessionHandler(orch, history), NewChannelHandler(orch), nil)

	return &server{router: router, jwt: jwtService, ledger: ledger, clock: mock, history: history}
}

func (s *server) do(t *testing.T, method, path, identity, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		token, err := s.jwt.GenerateToken(identity, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *server) start(t *testing.T, owner string) models.StreamSession {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/sessions", owner, auth.RoleStreamer,
		models.StartSessionRequest{Title: "show", Quality: "720p60"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.StreamSession](t, w)
}

func TestSessionRoutes(t *testing.T) {
	s := newServer(t)

	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/sessions", "", "", nil).Code)

	w := s.do(t, http.MethodPost, "/api/v1/sessions", "bob", auth.RoleViewer,
		models.StartSessionRequest{Title: "show", Quality: "720p60"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sessions", "alice", auth.RoleStreamer,
		models.StartSessionRequest{Title: "show", Quality: "4k"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	live := s.start(t, "alice")
	require.Equal(t, models.SessionLive, live.Status)
	base := "/api/v1/sessions/" + live.ID.String()

	w = s.do(t, http.MethodGet, "/api/v1/sessions", "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[map[string]interface{}](t, w)["count"])

	w = s.do(t, http.MethodPost, base+"/join", "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	joined := decode[struct {
		Channel     models.PaymentChannel `json:"channel"`
		ViewerCount int                   `json:"viewer_count"`
	}](t, w)
	require.Equal(t, 1, joined.ViewerCount)
	require.Equal(t, "alice", joined.Channel.PayeeID)

	seg := models.IngestSegmentRequest{DurationSeconds: 2, Payload: []byte("media")}
	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/segments", "mallory", auth.RoleStreamer, seg).Code)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, base+"/segments", "alice", auth.RoleStreamer, seg).Code)
	}
	seg.Sequence = 9
	require.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPost, base+"/segments", "alice", auth.RoleStreamer, seg).Code)

	w = s.do(t, http.MethodGet, base+"/manifest.m3u8", "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(w.Body.String(), "#EXTM3U"))
	require.Contains(t, w.Body.String(), "segment_2.ts")

	w = s.do(t, http.MethodGet, base, "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPut, base+"/splits", "alice", auth.RoleStreamer, models.SplitsRequest{Splits: []models.RevenueSplit{
		{Recipient: "alice", Percentage: decimal.NewFromInt(120)},
	}})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = s.do(t, http.MethodPut, base+"/splits", "alice", auth.RoleStreamer, models.SplitsRequest{Splits: []models.RevenueSplit{
		{Recipient: "alice", Percentage: decimal.NewFromInt(80)},
	}})
	require.Equal(t, http.StatusOK, w.Code)

	s.clock.Add(2 * time.Minute)

	w = s.do(t, http.MethodPost, base+"/end", "alice", auth.RoleStreamer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[models.StreamSummary](t, w)
	require.Equal(t, 1, summary.Session.ViewerCount)
	require.Len(t, summary.Channels, 1)
	require.True(t, decimal.RequireFromString("0.1").Equal(summary.Revenue), summary.Revenue.String())
	require.NotNil(t, summary.Distribution)

	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, base+"/end", "alice", auth.RoleStreamer, nil).Code)
	w = s.do(t, http.MethodGet, base, "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ended"`)

	past := uuid.New()
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/sessions/"+past.String(), "bob", auth.RoleViewer, nil).Code)
	s.history[past] = &models.SessionRecord{ID: past, Status: models.SessionEnded}
	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+past.String(), "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/sessions/nope", "bob", auth.RoleViewer, nil).Code)
}

func TestChannelRoutes(t *testing.T) {
	s := newServer(t)
	live := s.start(t, "alice")

	w := s.do(t, http.MethodPost, "/api/v1/sessions/"+live.ID.String()+"/join", "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ch := decode[struct {
		Channel models.PaymentChannel `json:"channel"`
	}](t, w).Channel
	base := "/api/v1/channels/" + ch.ID.String()

	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, base, "eve", auth.RoleViewer, nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base, "alice", auth.RoleStreamer, nil).Code)

	meter := models.MeterRequest{ElapsedMinutes: decimal.NewFromInt(2)}
	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/meter", "bob", auth.RoleViewer, meter).Code)
	w = s.do(t, http.MethodPost, base+"/meter", "ops", auth.RoleOperator, meter)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.True(t, decimal.RequireFromString("0.1").Equal(decode[models.Voucher](t, w).Amount))

	w = s.do(t, http.MethodPost, base+"/meter", "ops", auth.RoleOperator, models.MeterRequest{ElapsedMinutes: decimal.NewFromInt(1000)})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	charged := decode[struct {
		Voucher models.Voucher `json:"voucher"`
	}](t, w).Voucher
	require.True(t, decimal.NewFromInt(5).Equal(charged.Amount), charged.Amount.String())

	w = s.do(t, http.MethodPost, base+"/close", "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	closed := decode[models.PaymentChannel](t, w)
	require.Equal(t, models.ChannelClosed, closed.State)
	require.True(t, decimal.NewFromInt(5).Equal(closed.Submitted), closed.Submitted.String())
	require.True(t, s.ledger.Settled(closed.LedgerID))

	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+live.ID.String(), "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode[struct {
		Session models.StreamSession `json:"session"`
	}](t, w).Session.Viewers)

	w = s.do(t, http.MethodGet, "/api/v1/channels/"+uuid.New().String(), "ops", auth.RoleOperator, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDistributeRoute(t *testing.T) {
	s := newServer(t)
	req := models.DistributeRequest{
		SessionID: uuid.New(),
		Total:     decimal.NewFromInt(1),
		Splits: []models.RevenueSplit{
			{Recipient: "a", Percentage: decimal.NewFromInt(50)},
			{Recipient: "b", Percentage: decimal.NewFromInt(25)},
		},
	}

	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/distributions", "alice", auth.RoleStreamer, req).Code)

	w := s.do(t, http.MethodPost, "/api/v1/distributions", "ops", auth.RoleOperator, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[models.DistributionResult](t, w)
	require.True(t, decimal.RequireFromString("0.25").Equal(res.PlatformRemainder))

	s.ledger.FailTransfersTo("b", xerrors.New("frozen"))
	w = s.do(t, http.MethodPost, "/api/v1/distributions", "ops", auth.RoleOperator, req)
	require.Equal(t, http.StatusMultiStatus, w.Code)
}

func TestArchiveRoutes(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/archive/estimate?size=1024", "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/archive/estimate?size=-1", "bob", auth.RoleViewer, nil).Code)

	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+uuid.New().String()+"/archive", "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/deals/"+uuid.New().String(), "bob", auth.RoleViewer, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrNotFound:       http.StatusNotFound,
		models.ErrInvalidState:   http.StatusConflict,
		models.ErrInvalidSegment: http.StatusUnprocessableEntity,
		models.ErrInvalidSplit:   http.StatusUnprocessableEntity,
		models.ErrInitialization: http.StatusUnprocessableEntity,
		models.ErrFunding:        http.StatusPaymentRequired,
		models.ErrGatewayTimeout: http.StatusGatewayTimeout,
		models.ErrGatewayError:   http.StatusBadGateway,
		models.ErrReconciliation: http.StatusBadGateway,
		xerrors.New("boom"):      http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, StatusFor(xerrors.Errorf("wrapped: %w", err)), err.Error())
	}
}
