package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"ticketgate/internal/access"
	"ticketgate/internal/auth"
	"ticketgate/internal/catalog"
	"ticketgate/internal/distribution"
	"ticketgate/internal/subscription"
	"ticketgate/internal/transport"
)

type recordingCourier struct {
	sent int
}

func (c *recordingCourier) SendDocument(context.Context, int64, transport.Document) error {
	c.sent++
	return nil
}

type testServer struct {
	handler http.Handler
	db      *gorm.DB
	courier *recordingCourier
	subs    *subscription.Service
	tokens  *auth.OperatorTokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&subscription.Subscriber{},
		&subscription.SubscriptionLink{},
		&catalog.StoredFile{},
		&distribution.DeliveryRecord{},
		&access.Administrator{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	accessService, err := access.NewService(access.ServiceConfig{
		Database:  db,
		AllowList: []int64{42},
	})
	if err != nil {
		t.Fatalf("failed to create access service: %v", err)
	}
	subscriptionService, err := subscription.NewService(subscription.ServiceConfig{
		Database:    db,
		BotUsername: "ticketgate_bot",
		Tokens:      subscription.NewTokenProvider(),
		Aliases:     subscription.NewAliasProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create subscription service: %v", err)
	}
	ingestor, err := catalog.NewIngestor(catalog.IngestorConfig{
		Database: db,
		FilesDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create ingestor: %v", err)
	}
	courier := &recordingCourier{}
	engine, err := distribution.NewEngine(distribution.EngineConfig{
		Database:  db,
		Courier:   courier,
		BackupDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	operatorTokens, err := auth.NewOperatorTokens(auth.OperatorTokenConfig{
		SigningSecret: []byte("test-secret"),
		AccessKey:     "operator-key",
		Issuer:        "ticketgate",
		Audience:      "ticketgate-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create operator tokens: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Access:        accessService,
		Subscriptions: subscriptionService,
		Ingestor:      ingestor,
		Engine:        engine,
		Tokens:        operatorTokens,
		InboxDir:      t.TempDir(),
		RedeemRate:    100,
		RedeemBurst:   100,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	return &testServer{
		handler: handler,
		db:      db,
		courier: courier,
		subs:    subscriptionService,
		tokens:  operatorTokens,
	}
}

func (ts *testServer) postJSON(t *testing.T, path, bearer string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	return recorder
}

func (ts *testServer) operatorToken(t *testing.T) string {
	t.Helper()
	recorder := ts.postJSON(t, "/api/auth/operator", "", map[string]interface{}{
		"principal_id": 42,
		"access_key":   "operator-key",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("operator auth failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode auth response: %v", err)
	}
	return response.AccessToken
}

func TestOperatorAuthRejectsBadKey(t *testing.T) {
	ts := newTestServer(t)
	recorder := ts.postJSON(t, "/api/auth/operator", "", map[string]interface{}{
		"principal_id": 42,
		"access_key":   "wrong-key",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestOperatorAuthRejectsNonAdmin(t *testing.T) {
	ts := newTestServer(t)
	recorder := ts.postJSON(t, "/api/auth/operator", "", map[string]interface{}{
		"principal_id": 999,
		"access_key":   "operator-key",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	ts := newTestServer(t)

	recorder := ts.postJSON(t, "/api/links", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	recorder = ts.postJSON(t, "/api/links", "not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", recorder.Code)
	}
}

func TestCreateLinkAndRedeemFlow(t *testing.T) {
	ts := newTestServer(t)
	token := ts.operatorToken(t)

	recorder := ts.postJSON(t, "/api/links", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("link creation failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var linkResponse struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &linkResponse); err != nil {
		t.Fatalf("failed to decode link response: %v", err)
	}
	wantURL := fmt.Sprintf("https://t.me/ticketgate_bot?start=%s", linkResponse.Token)
	if linkResponse.URL != wantURL {
		t.Fatalf("unexpected redemption url: %q", linkResponse.URL)
	}

	recorder = ts.postJSON(t, "/api/redeem", "", map[string]interface{}{
		"principal_id": 1001,
		"username":     "buyer",
		"first_name":   "Buyer",
		"token":        linkResponse.Token,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("redeem failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var redeemResponse struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &redeemResponse); err != nil {
		t.Fatalf("failed to decode redeem response: %v", err)
	}
	if redeemResponse.Outcome != string(subscription.OutcomeGranted) {
		t.Fatalf("expected granted, got %q", redeemResponse.Outcome)
	}

	recorder = ts.postJSON(t, "/api/redeem", "", map[string]interface{}{
		"principal_id": 2002,
		"token":        linkResponse.Token,
	})
	if err := json.Unmarshal(recorder.Body.Bytes(), &redeemResponse); err != nil {
		t.Fatalf("failed to decode redeem response: %v", err)
	}
	if redeemResponse.Outcome != string(subscription.OutcomeInvalidOrUsed) {
		t.Fatalf("expected invalid-or-used on reuse, got %q", redeemResponse.Outcome)
	}
}

func TestRedeemTriggersOpportunisticDistribution(t *testing.T) {
	ts := newTestServer(t)
	token := ts.operatorToken(t)

	poolDir := t.TempDir()
	poolPath := filepath.Join(poolDir, "pool.pdf")
	if err := os.WriteFile(poolPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("failed to write pool file: %v", err)
	}
	if err := ts.db.Create(&catalog.StoredFile{
		OriginalName: "ticket.pdf",
		Alias:        "filealias0001",
		Path:         poolPath,
	}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := ts.postJSON(t, "/api/links", token, nil)
	var linkResponse struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &linkResponse); err != nil {
		t.Fatalf("failed to decode link response: %v", err)
	}

	recorder = ts.postJSON(t, "/api/redeem", "", map[string]interface{}{
		"principal_id": 1001,
		"token":        linkResponse.Token,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("redeem failed: %d %s", recorder.Code, recorder.Body.String())
	}

	if ts.courier.sent != 1 {
		t.Fatalf("expected opportunistic delivery after redemption, got %d sends", ts.courier.sent)
	}
	var subscriber subscription.Subscriber
	if err := ts.db.Where("principal_id = ?", int64(1001)).Take(&subscriber).Error; err != nil {
		t.Fatalf("subscriber lookup failed: %v", err)
	}
	if subscriber.FilesReceived != 1 || subscriber.Pending {
		t.Fatalf("subscriber not fulfilled after auto distribution: %+v", subscriber)
	}
}

func TestLinkQRReturnsPNG(t *testing.T) {
	ts := newTestServer(t)
	token := ts.operatorToken(t)

	recorder := ts.postJSON(t, "/api/links", token, nil)
	var linkResponse struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &linkResponse); err != nil {
		t.Fatalf("failed to decode link response: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/links/"+linkResponse.Token+"/qr", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	qrRecorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(qrRecorder, request)
	if qrRecorder.Code != http.StatusOK {
		t.Fatalf("qr request failed: %d", qrRecorder.Code)
	}
	if contentType := qrRecorder.Header().Get("Content-Type"); contentType != "image/png" {
		t.Fatalf("expected png, got %q", contentType)
	}
	if qrRecorder.Body.Len() == 0 {
		t.Fatalf("expected image bytes")
	}

	request = httptest.NewRequest(http.MethodGet, "/api/links/unknown-token/qr", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	qrRecorder = httptest.NewRecorder()
	ts.handler.ServeHTTP(qrRecorder, request)
	if qrRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d", qrRecorder.Code)
	}
}

func TestStatsEndpointReportsCounters(t *testing.T) {
	ts := newTestServer(t)
	token := ts.operatorToken(t)

	request := httptest.NewRequest(http.MethodGet, "/api/stats", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("stats failed: %d", recorder.Code)
	}
	var stats map[string]int64
	if err := json.Unmarshal(recorder.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	for _, key := range []string{"subscribers", "files", "free_files", "links"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("stats payload missing %q: %v", key, stats)
		}
	}
}
