package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/lorawan-node-agent/internal/agent"
	"github.com/lorawan-node/lorawan-node-agent/internal/config"
	"github.com/lorawan-node/lorawan-node-agent/internal/integration"
	"github.com/lorawan-node/lorawan-node-agent/internal/mac"
	"github.com/lorawan-node/lorawan-node-agent/internal/network"
	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
	"github.com/lorawan-node/lorawan-node-agent/pkg/crypto"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

const (
	testDevEUIHex = "0011223344556677"
	testPassword  = "admin123"
)

var testAppKey = lorawan.AES128Key{
	0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6,
	0xAB, 0xF7, 0x15, 0x88, 0x09, 0xCF, 0x4F, 0x3C,
}

// newTestServer wires a REST server to a MAC running against the
// in-process network emulator.
func newTestServer(t *testing.T) (*RESTServer, *agent.Agent) {
	t.Helper()

	hash, err := crypto.HashPassword(testPassword)
	require.NoError(t, err)

	cfg := &config.Config{
		Agent: config.AgentConfig{Name: "node-agent-test", Version: "dev"},
		Device: config.DeviceConfig{
			Activation: "OTAA",
			DevEUI:     testDevEUIHex,
			JoinEUI:    "70b3d57ed0000001",
			AppKey:     "2b7e151628aed2a6abf7158809cf4f3c",
		},
		MAC: config.MACConfig{Region: "EU868"},
		API: config.APIConfig{
			Enabled:           true,
			AdminUsername:     "admin",
			AdminPasswordHash: hash,
		},
		JWT: config.JWTConfig{
			Secret:          "test-secret",
			AccessTokenTTL:  time.Minute,
			RefreshTokenTTL: time.Hour,
		},
	}

	driver := radio.NewSimDriver()
	emu := network.NewEmulator(driver, testAppKey)
	emu.SetRX1Delay(10 * time.Millisecond)

	sim := stack.NewSimulator(driver)
	sim.SetRxWindowSpan(300 * time.Millisecond)
	sim.SetDutyCycle(false)

	m := mac.New(driver, sim, lorawan.GetRegionConfiguration("EU868"))
	devEUI, err := lorawan.ParseEUI64(testDevEUIHex)
	require.NoError(t, err)
	joinEUI, err := lorawan.ParseEUI64("70b3d57ed0000001")
	require.NoError(t, err)
	m.SetDevEUI(devEUI)
	m.SetJoinEUI(joinEUI)
	m.SetAppKey(testAppKey)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)

	fwd := integration.NewForwarder(nil, nil, devEUI)
	a := agent.New(cfg, m, fwd)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	return NewRESTServer(cfg, a, nil), a
}

func login(t *testing.T, s *RESTServer) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": testPassword,
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(body))
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func doJSON(t *testing.T, s *RESTServer, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(body))
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusRequiresToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/v1/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token := login(t, s)
	rec = doJSON(t, s, "GET", "/api/v1/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status agent.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.Joined)
	require.Equal(t, testDevEUIHex, status.DevEUI)
}

func TestJoinAndUplinkOverAPI(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "POST", "/api/v1/join", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var joinResp struct {
		Result string `json:"result"`
		Joined bool   `json:"joined"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joinResp))
	require.True(t, joinResp.Joined)

	rec = doJSON(t, s, "POST", "/api/v1/uplink", token, map[string]interface{}{
		"data": "68656c6c6f",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var txResp struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txResp))
	require.Equal(t, "TX_DONE", txResp.Result)
}

func TestUplinkBeforeJoinFails(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "POST", "/api/v1/uplink", token, map[string]interface{}{
		"data": "00",
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestUplinkRejectsBadHex(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "POST", "/api/v1/uplink", token, map[string]interface{}{
		"data": "zz",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMACSettingsRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	dr := uint8(3)
	confirmed := true
	rec := doJSON(t, s, "PUT", "/api/v1/mac", token, agent.MACSettings{
		DataRate:  &dr,
		Confirmed: &confirmed,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/mac", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var settings agent.MACSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	require.Equal(t, uint8(3), *settings.DataRate)
	require.True(t, *settings.Confirmed)
}

func TestLinkCheckOverAPI(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "POST", "/api/v1/join", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/linkcheck", token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/uplink", token, map[string]interface{}{
		"data": "01",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := doJSON(t, s, "GET", "/api/v1/linkcheck", token, nil)
		var resp struct {
			Available bool `json:"available"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Available
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHistoryWithoutStoreReturns503(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "GET", "/api/v1/events", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
