package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offchan/offchan/internal/auth"
	"github.com/offchan/offchan/internal/chain"
	"github.com/offchan/offchan/internal/ledger"
	"github.com/offchan/offchan/internal/manager"
	"github.com/offchan/offchan/internal/payment"
	"github.com/offchan/offchan/internal/signature"
	"github.com/offchan/offchan/internal/storage"
)

type apiFixture struct {
	router     *Router
	sender     *manager.ChannelManager
	hub        *manager.ChannelManager
	auth       *auth.Service
	senderAddr string
	hubAddr    string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	sim := ledger.NewSim(ledger.SimOptions{})
	senderKey, err := signature.GenerateKey()
	require.NoError(t, err)
	hubKey, err := signature.GenerateKey()
	require.NoError(t, err)
	senderAddr := sim.RegisterKey(senderKey)
	hubAddr := sim.RegisterKey(hubKey)

	store := storage.NewMemory()
	contracts := chain.NewRouter(sim, store.Channels(), 0, nil)
	builder := payment.NewBuilder(contracts, sim, nil)

	newManager := func(account string) *manager.ChannelManager {
		return manager.New(manager.Options{
			Account:   account,
			Contracts: contracts,
			Store:     store,
			Builder:   builder,
			Validator: payment.NewValidator(contracts, nil, nil),
		})
	}

	kp, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	svc := auth.NewService(kp, "offchan")

	hub := newManager(hubAddr)
	return &apiFixture{
		router:     NewRouter(NewHandler(hubAddr, hub, svc, nil)),
		sender:     newManager(senderAddr),
		hub:        hub,
		auth:       svc,
		senderAddr: senderAddr,
		hubAddr:    hubAddr,
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) adminToken(t *testing.T) string {
	t.Helper()
	token, err := f.auth.GenerateToken(f.hubAddr, time.Hour)
	require.NoError(t, err)
	return token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestAcceptPaymentAndVerifyToken(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	ch, err := f.sender.OpenChannel(ctx, manager.OpenRequest{
		Sender:   f.senderAddr,
		Receiver: f.hubAddr,
		Amount:   big.NewInt(10),
	})
	require.NoError(t, err)
	p, err := f.sender.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "")
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/api/v1/payments/accept", p, "")
	require.Equal(t, http.StatusOK, rec.Code)
	token, ok := decodeBody(t, rec)["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)

	rec = f.request(t, http.MethodGet, "/api/v1/tokens/"+token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["valid"])

	rec = f.request(t, http.MethodGet, "/api/v1/tokens/unknown", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decodeBody(t, rec)["valid"])
}

func TestAcceptPaymentRejectsInvalidWith402(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	ch, err := f.sender.OpenChannel(ctx, manager.OpenRequest{
		Sender:   f.senderAddr,
		Receiver: f.hubAddr,
		Amount:   big.NewInt(10),
	})
	require.NoError(t, err)
	p, err := f.sender.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "")
	require.NoError(t, err)
	p.Value = big.NewInt(90)

	rec := f.request(t, http.MethodPost, "/api/v1/payments/accept", p, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestAcceptPaymentRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/payments/accept", map[string]string{"value": "30"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/channels", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/channels", nil, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/channels", nil, f.adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminChannelLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	token := f.adminToken(t)

	rec := f.request(t, http.MethodPost, "/api/v1/channels/open", OpenChannelRequest{
		Receiver: f.senderAddr,
		Amount:   "10",
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	opened := decodeBody(t, rec)
	require.Equal(t, "100", opened["value"])
	id, ok := opened["channelId"].(string)
	require.True(t, ok)

	rec = f.request(t, http.MethodGet, "/api/v1/channels/"+id, nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "open", decodeBody(t, rec)["state"])

	rec = f.request(t, http.MethodPost, "/api/v1/channels/"+id+"/deposit", DepositRequest{Value: "50"}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/channels/"+id, nil, token)
	require.Equal(t, "150", decodeBody(t, rec)["value"])

	rec = f.request(t, http.MethodPost, "/api/v1/channels/"+id+"/pay", PayRequest{Amount: "30"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, decodeBody(t, rec)["token"])

	rec = f.request(t, http.MethodPost, "/api/v1/channels/"+id+"/close", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, decodeBody(t, rec)["txHash"])

	rec = f.request(t, http.MethodGet, "/api/v1/channels/"+id, nil, token)
	require.Equal(t, "settling", decodeBody(t, rec)["state"])
}

func TestGetChannelErrors(t *testing.T) {
	f := newAPIFixture(t)
	token := f.adminToken(t)

	rec := f.request(t, http.MethodGet, "/api/v1/channels/not-hex", nil, token)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/channels/0x00112233445566778899aabbccddeeff", nil, token)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayInsufficientCapacity(t *testing.T) {
	f := newAPIFixture(t)
	token := f.adminToken(t)

	rec := f.request(t, http.MethodPost, "/api/v1/channels/open", OpenChannelRequest{
		Receiver: f.senderAddr,
		Amount:   "10",
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["channelId"].(string)

	rec = f.request(t, http.MethodPost, "/api/v1/channels/"+id+"/pay", PayRequest{Amount: "101"}, token)
	require.Equal(t, http.StatusConflict, rec.Code)
}
