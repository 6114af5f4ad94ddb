package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chorelink/internal/basket"
	"chorelink/internal/broker"
	"chorelink/internal/config"
	"chorelink/internal/domain"
	"chorelink/internal/engine"
	"chorelink/internal/marketdata"
	"chorelink/pkg/chorelink"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	eng    *engine.Engine
	sim    *broker.SimulatorBroker
	bm     *basket.Manager
	srv    *Server
	client *chorelink.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sim := broker.NewSimulatorBroker()
	noop := engine.Callbacks{
		CreateChoreLedger:  func(context.Context, domain.ChoreLedger) error { return nil },
		CreateFillLedger:   func(context.Context, domain.FillLedger) error { return nil },
		PatchChoreSnapshot: func(context.Context, domain.ChoreSnapshotPatch) error { return nil },
	}
	eng := engine.New(sim, nil, noop, engine.Options{
		ConnectTimeout:     time.Second,
		RequestTimeout:     time.Second,
		BatchCancelTimeout: time.Second,
		Logger:             quiet(),
	})
	eng.Start(ctx)
	_, ok := eng.Reconcile(ctx, nil, noop)
	require.True(t, ok)

	bm := basket.New(eng, marketdata.NewStore(0.01, 0), nil, basket.Config{}, quiet())
	hub := NewHub(quiet())
	go hub.Run(ctx)

	s := NewServer(config.Server{Host: "127.0.0.1"}, eng, bm, hub, NewHealthServer(quiet()),
		Defaults{Account: "ACC1", Exchange: "SMART"}, quiet())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &fixture{eng: eng, sim: sim, bm: bm, srv: s, client: chorelink.NewClient(ts.URL)}
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *chorelink.Error
	require.True(t, errors.As(err, &apiErr), "want API error, got %v", err)
	return apiErr.StatusCode
}

func TestPlaceAmendCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Place(ctx, chorelink.PlaceRequest{Symbol: "aapl", Side: "buy", Px: 10, Qty: 100})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	bt, ok := f.sim.Barter(id)
	require.True(t, ok)
	assert.Equal(t, "AAPL", bt.Security.SystemID)
	assert.Equal(t, "ACC1", bt.Account, "default account applied")
	assert.Equal(t, "SMART", bt.Exchange)

	st, err := f.client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "OE_ACKED", st.Status)
	assert.Equal(t, int64(100), st.Qty)

	open, err := f.client.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, open)

	px := 10.5
	newID, err := f.client.Amend(ctx, id, chorelink.AmendRequest{Px: &px})
	require.NoError(t, err)
	assert.Equal(t, id, newID)
	bt, _ = f.sim.Barter(id)
	assert.Equal(t, 10.5, bt.LimitPx)

	require.NoError(t, f.client.Cancel(ctx, id))
	st, err = f.client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "OE_DOD", st.Status)

	open, err = f.client.Open(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPlaceRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Place(ctx, chorelink.PlaceRequest{Side: "buy", Px: 10, Qty: 1})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = f.client.Place(ctx, chorelink.PlaceRequest{Symbol: "AAPL", Side: "hold", Px: 10, Qty: 1})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = f.client.Place(ctx, chorelink.PlaceRequest{Symbol: "AAPL", Side: "buy", Qty: 1})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err), "direct placement needs a price")

	_, err = f.client.Status(ctx, "nope")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	_, err = f.client.Amend(ctx, "nope", chorelink.AmendRequest{})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	qty := int64(5)
	_, err = f.client.Amend(ctx, "nope", chorelink.AmendRequest{Qty: &qty})
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	assert.Equal(t, http.StatusNotFound, apiStatus(t, f.client.Cancel(ctx, "nope")))

	f.sim.SetSubmitError(errors.New("exchange closed"))
	_, err = f.client.Place(ctx, chorelink.PlaceRequest{Symbol: "AAPL", Side: "buy", Px: 10, Qty: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, apiStatus(t, err))
}

func TestKillSwitchEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Place(ctx, chorelink.PlaceRequest{Symbol: "AAPL", Side: "buy", Px: 10, Qty: 100})
	require.NoError(t, err)

	st, err := f.client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, chorelink.State{Phase: "live"}, st)

	st, err = f.client.Kill(ctx)
	require.NoError(t, err)
	assert.True(t, st.Killed)
	assert.False(t, f.eng.IsChoreOpen(id), "kill switch cancels open chores")

	_, err = f.client.Place(ctx, chorelink.PlaceRequest{Symbol: "AAPL", Side: "buy", Px: 10, Qty: 100})
	assert.Equal(t, http.StatusUnprocessableEntity, apiStatus(t, err))

	st, err = f.client.Revoke(ctx)
	require.NoError(t, err)
	assert.False(t, st.Killed)
}

func TestBatchCancelEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 2 {
		_, err := f.client.Place(ctx, chorelink.PlaceRequest{Symbol: "MSFT", Side: "sell", Px: 300, Qty: 10})
		require.NoError(t, err)
	}
	res, err := f.client.CancelChores(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, chorelink.BatchCancelResult{Requested: 2, Cancelled: 2}, res)
}

func TestBasketEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref, err := f.client.AddToBasket(ctx, chorelink.PlaceRequest{Symbol: "AAPL", Side: "buy", Qty: 100})
	require.NoError(t, err)

	list, err := f.client.Basket(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ref, list[0].Ref)
	assert.Equal(t, "PENDING", list[0].SubmitState)
	assert.True(t, list[0].MarketTracking)

	px := 99.5
	require.NoError(t, f.client.AmendBasket(ctx, ref, chorelink.AmendRequest{Px: &px}))
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, f.client.AmendBasket(ctx, ref, chorelink.AmendRequest{})))
	require.NoError(t, f.client.CancelBasket(ctx, ref))

	f.bm.RunCycle(ctx)
	list, err = f.client.Basket(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "cancelled before submission")

	_, err = f.client.AddToBasket(ctx, chorelink.PlaceRequest{Symbol: "AAPL", Side: "buy"})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))
}

func TestBasketUnavailable(t *testing.T) {
	s := NewServer(config.Server{}, nil, nil, nil, nil, Defaults{}, quiet())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/basket", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(engine.State{Phase: engine.PhaseReconciling}))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(engine.State{Phase: engine.PhaseLive}))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(engine.State{Phase: engine.PhaseLive, Killed: true}))
}

func TestHealthOverGRPC(t *testing.T) {
	health := NewHealthServer(quiet())
	s := NewServer(config.Server{}, nil, nil, nil, health, Defaults{}, quiet())

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, httpLn, grpcLn) }()

	conn, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	health.Update(engine.State{Phase: engine.PhaseLive})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	health.Update(engine.State{Phase: engine.PhaseLive, Killed: true})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(quiet())
	go hub.Run(ctx)

	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast([]byte(`{"kind":"chore"}`))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"chore"}`, string(msg))

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubDropWarningsAreRateLimited(t *testing.T) {
	var buf bytes.Buffer
	hub := NewHub(slog.New(slog.NewTextHandler(&buf, nil)))

	// Nothing drains the queue, so everything past its capacity is dropped.
	for range 1100 {
		hub.Broadcast([]byte(`{}`))
	}
	assert.Equal(t, int64(1100-cap(hub.broadcast)), hub.dropped.Load())
	assert.Equal(t, 1, strings.Count(buf.String(), "ledger feed queue full"))
}
