package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/commerce"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionTenantID      = "tenant-integration"
	sessionUserID        = "florist-abc"
	deliveryDate         = "27/06/2025"
	upstreamAccessToken  = "shpat-integration"
	jsonContentType      = "application/json"
)

// Each upstream page holds one order so classification has to follow the
// Link cursor across every page.
var upstreamPages = []string{
	`{"orders":[{"id":5001,"name":"#5001","tags":"VIP, 27/06/2025","line_items":[
		{"id":11,"product_id":100,"title":"Rose Bouquet","quantity":2},
		{"id":12,"product_id":200,"title":"Greeting Card","quantity":1}]}]}`,
	`{"orders":[{"id":5002,"name":"#5002","tags":"28/06/2025","line_items":[
		{"id":21,"product_id":100,"title":"Tulips","quantity":1}]}]}`,
	`{"orders":[{"id":5003,"name":"#5003","tags":"27/06/2025","line_items":[
		{"id":31,"product_id":300,"title":"Orchid","quantity":1}]}]}`,
}

func newUpstreamServer(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Shopify-Access-Token") != upstreamAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/admin/api/2024-01/orders.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		pageIndex := 0
		switch r.URL.Query().Get("page_info") {
		case "":
		case "page-2":
			pageIndex = 1
		case "page-3":
			pageIndex = 2
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if pageIndex+1 < len(upstreamPages) {
			next := upstream.URL + "/admin/api/2024-01/orders.json?limit=1&page_info=page-" + string(rune('2'+pageIndex))
			w.Header().Set("Link", "<"+next+`>; rel="next"`)
		}
		w.Header().Set("Content-Type", jsonContentType)
		_, _ = w.Write([]byte(upstreamPages[pageIndex]))
	}))
	testContext.Cleanup(upstream.Close)
	return upstream
}

func TestClassifyUpdateAndFollowChangeFeed(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	if err := db.Create(&cards.Label{TenantID: sessionTenantID, ProductID: "200", Category: cards.DefaultAddOnCategory, Name: "Greeting Card"}).Error; err != nil {
		testContext.Fatalf("failed to seed label: %v", err)
	}

	upstream := newUpstreamServer(testContext)
	orderClient, err := commerce.NewClient(commerce.ClientConfig{
		BaseURL:     upstream.URL,
		AccessToken: upstreamAccessToken,
		APIVersion:  "2024-01",
		PageSize:    1,
		Logger:      logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build commerce client: %v", err)
	}

	store, err := cards.NewStore(cards.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	cardService, err := cards.NewService(cards.ServiceConfig{
		Orders:     orderClient,
		Labels:     cards.NewLabelRepository(db, logger),
		Store:      store,
		Classifier: cards.NewClassifier(cards.AddOnPolicyAttachAll),
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build card service: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		CardService:      cardService,
		CardStore:        store,
		ConfigStore:      cards.NewConfigStore(db, nil, logger),
		Realtime:         server.NewRealtimeDispatcher(),
		Feed:             server.FeedSettings{Window: 30 * time.Second, MaxWindow: 60 * time.Second},
		Logger:           logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(sessionSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	sessionToken, _, err := issuer.IssueSessionToken(auth.SessionSubject{TenantID: sessionTenantID, UserID: sessionUserID})
	if err != nil {
		testContext.Fatalf("failed to mint session token: %v", err)
	}
	sessionCookie := &http.Cookie{Name: sessionCookieName, Value: sessionToken}

	send := func(method, path string, body []byte) (int, map[string]any) {
		testContext.Helper()
		request, err := http.NewRequest(method, testServer.URL+path, bytes.NewReader(body))
		if err != nil {
			testContext.Fatalf("failed to build request: %v", err)
		}
		request.AddCookie(sessionCookie)
		if body != nil {
			request.Header.Set("Content-Type", jsonContentType)
		}
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			testContext.Fatalf("request failed: %v", err)
		}
		defer response.Body.Close()
		var payload map[string]any
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			testContext.Fatalf("failed to decode response: %v", err)
		}
		return response.StatusCode, payload
	}

	status, payload := send(http.MethodPost, "/orders/classify?date="+deliveryDate, nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected classify status %d: %v", status, payload)
	}
	created, ok := payload["created"].([]any)
	if !ok || len(created) != 3 {
		testContext.Fatalf("expected three created cards, got %v", payload["created"])
	}

	status, payload = send(http.MethodPost, "/orders/classify?date="+deliveryDate, nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected second classify status %d: %v", status, payload)
	}
	if created, _ := payload["created"].([]any); len(created) != 0 {
		testContext.Fatalf("expected repeat classification to create nothing, got %v", created)
	}

	status, payload = send(http.MethodGet, "/card-states?deliveryDate="+deliveryDate, nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected list status %d: %v", status, payload)
	}
	listed, _ := payload["cards"].([]any)
	listedIDs := make([]string, 0, len(listed))
	for _, entry := range listed {
		listedIDs = append(listedIDs, entry.(map[string]any)["cardId"].(string))
	}
	sort.Strings(listedIDs)
	expectedIDs := []string{"5001-11-0", "5001-11-1", "5003-31-0"}
	if len(listedIDs) != len(expectedIDs) {
		testContext.Fatalf("unexpected card ids: %v", listedIDs)
	}
	for index := range expectedIDs {
		if listedIDs[index] != expectedIDs[index] {
			testContext.Fatalf("unexpected card ids: %v", listedIDs)
		}
	}

	source, err := feed.NewHTTPChangeSource(feed.HTTPSourceConfig{
		BaseURL:      testServer.URL,
		SessionToken: sessionToken,
		CookieName:   sessionCookieName,
		Window:       30 * time.Second,
	})
	if err != nil {
		testContext.Fatalf("failed to build change source: %v", err)
	}

	var appliedMu sync.Mutex
	var applied []feed.Change
	poller, err := feed.NewPoller(feed.PollerConfig{
		Source:  source,
		Session: feed.NewSession(feed.SessionConfig{}),
		Apply: func(_ context.Context, change feed.Change) error {
			appliedMu.Lock()
			defer appliedMu.Unlock()
			applied = append(applied, change)
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build poller: %v", err)
	}

	ctx := context.Background()
	count, err := poller.Tick(ctx)
	if err != nil {
		testContext.Fatalf("first poll failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected changes from before the session to be skipped, applied %d", count)
	}

	time.Sleep(10 * time.Millisecond)

	patchBody := []byte(`{"status":"assigned","assignedTo":"courier-7","notes":"leave at door"}`)
	status, payload = send(http.MethodPatch, "/card-states/5001-11-1", patchBody)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected patch status %d: %v", status, payload)
	}
	card, _ := payload["card"].(map[string]any)
	if card["status"] != "assigned" || card["assignedBy"] != sessionUserID {
		testContext.Fatalf("unexpected patched card: %v", card)
	}

	count, err = poller.Tick(ctx)
	if err != nil {
		testContext.Fatalf("second poll failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one applied change, got %d", count)
	}

	count, err = poller.Tick(ctx)
	if err != nil {
		testContext.Fatalf("third poll failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected the change to be applied only once, got %d", count)
	}

	appliedMu.Lock()
	defer appliedMu.Unlock()
	if len(applied) != 1 || applied[0].CardID != "5001-11-1" {
		testContext.Fatalf("unexpected applied changes: %#v", applied)
	}
	var appliedState map[string]any
	if err := json.Unmarshal(applied[0].Payload, &appliedState); err != nil {
		testContext.Fatalf("failed to decode applied payload: %v", err)
	}
	if appliedState["assignedTo"] != "courier-7" || appliedState["notes"] != "leave at door" {
		testContext.Fatalf("unexpected applied payload: %v", appliedState)
	}
	if stats := poller.Stats(); stats.Applied != 1 || stats.TotalFailures != 0 {
		testContext.Fatalf("unexpected poller stats: %+v", stats)
	}
}

func TestPollerCountsUnreachableAPIAsFailure(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	source, err := feed.NewHTTPChangeSource(feed.HTTPSourceConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		testContext.Fatalf("failed to build change source: %v", err)
	}
	poller, err := feed.NewPoller(feed.PollerConfig{
		Source:  source,
		Session: feed.NewSession(feed.SessionConfig{}),
		Apply:   func(context.Context, feed.Change) error { return nil },
	})
	if err != nil {
		testContext.Fatalf("failed to build poller: %v", err)
	}
	if _, err := poller.Tick(context.Background()); err == nil {
		testContext.Fatalf("expected unreachable api to fail the poll")
	}
	if stats := poller.Stats(); stats.ConsecutiveFailures != 1 {
		testContext.Fatalf("expected one consecutive failure, got %+v", stats)
	}
}
