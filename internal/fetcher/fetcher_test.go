package fetcher

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"localbuzz/internal/model"
)

type recordedRequest struct {
	Method string
	URL    string
	Auth   string
	Body   string
}

type mockTransport struct {
	mu         sync.Mutex
	body       string
	statusCode int
	err        error
	requests   []recordedRequest
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	m.mu.Lock()
	m.requests = append(m.requests, recordedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Auth:   req.Header.Get("Authorization"),
		Body:   body,
	})
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func newTestClient(transport HTTPClient) *Client {
	return New(transport, "https://data.example.com/api/", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchEligibleItems(t *testing.T) {
	xml := loadFixture(t, "../../testdata/updates.xml")
	transport := &mockTransport{body: xml, statusCode: 200}
	c := newTestClient(transport)
	c.SetToken("secret")

	items, err := c.FetchEligibleItems(context.Background(), model.Coordinate{Latitude: 0, Longitude: 0})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := []model.Item{
		{
			ID:          "u-100",
			SourceID:    "shop-1",
			SourceName:  "Ravi Stores",
			Title:       "Fresh Alphonso mangoes",
			Category:    "Grocery",
			Description: "20% off until Sunday",
			Location:    model.Coordinate{Latitude: 0, Longitude: 0.02},
			CreatedAt:   time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
			ExpiresAt:   time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC),
			IsActive:    true,
		},
		{
			ID:         "u-101",
			SourceID:   "shop-2",
			SourceName: "Meena Fashions",
			Title:      "Festive kurta sale",
			Category:   "Clothing",
			Location:   model.Coordinate{Latitude: 0, Longitude: 0.045},
			CreatedAt:  time.Date(2026, 3, 14, 9, 0, 0, 123456789, time.UTC),
			ExpiresAt:  time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
			IsActive:   false,
		},
		{
			ID:         ItemGUID(&gofeed.Item{Title: "Paracetamol restocked", Link: "https://localbuzz.example.com/shops/shop-4"}),
			SourceID:   "shop-4",
			SourceName: "City Pharmacy",
			Title:      "Paracetamol restocked",
			Category:   "Medical",
			Location:   model.Coordinate{Latitude: 0.01, Longitude: 0},
			CreatedAt:  time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
			ExpiresAt:  time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
			IsActive:   true,
		},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}

	wantReq := []recordedRequest{{
		Method: http.MethodGet,
		URL:    "https://data.example.com/api/updates.rss?lat=0&lon=0&radius=10",
		Auth:   "Bearer secret",
	}}
	if diff := cmp.Diff(wantReq, transport.requests); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchEligibleItemsErrors(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
	}{
		{name: "http error status", transport: &mockTransport{body: "oops", statusCode: 500}},
		{name: "network error", transport: &mockTransport{err: io.ErrUnexpectedEOF}},
		{name: "invalid xml", transport: &mockTransport{body: "not xml at all", statusCode: 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := newTestClient(tt.transport).FetchEligibleItems(context.Background(), model.Coordinate{})
			if err == nil {
				t.Fatalf("expected error, got %d items", len(items))
			}
		})
	}
}

func TestParseItem(t *testing.T) {
	base := func() *gofeed.Item {
		published := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
		return &gofeed.Item{
			GUID:            "u1",
			Title:           "Offer",
			PublishedParsed: &published,
			Extensions: map[string]map[string][]ext.Extension{
				"georss": {"point": {{Value: "12.97 77.59"}}},
				"lb": {
					"shopId":    {{Value: "s1"}},
					"expiresAt": {{Value: "2026-03-15T08:00:00Z"}},
				},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*gofeed.Item)
		wantErr string
	}{
		{name: "valid", mutate: func(*gofeed.Item) {}},
		{name: "missing shop", mutate: func(i *gofeed.Item) { delete(i.Extensions["lb"], "shopId") }, wantErr: "missing shop id"},
		{name: "bad point", mutate: func(i *gofeed.Item) { i.Extensions["georss"]["point"][0].Value = "12.97" }, wantErr: "invalid georss point"},
		{name: "out of range", mutate: func(i *gofeed.Item) { i.Extensions["georss"]["point"][0].Value = "97 77.59" }, wantErr: "invalid coordinate"},
		{name: "missing expiry", mutate: func(i *gofeed.Item) { delete(i.Extensions["lb"], "expiresAt") }, wantErr: "missing expiry"},
		{name: "missing creation", mutate: func(i *gofeed.Item) { i.PublishedParsed = nil }, wantErr: "missing creation time"},
		{
			name: "bad active flag",
			mutate: func(i *gofeed.Item) {
				i.Extensions["lb"]["active"] = []ext.Extension{{Value: "maybe"}}
			},
			wantErr: "parse active flag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fi := base()
			tt.mutate(fi)
			_, err := ParseItem(fi)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseItem(): %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseItem() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFetchFavoriteSourceIDs(t *testing.T) {
	transport := &mockTransport{body: `{"sourceIds":["shop-1","shop-7"]}`, statusCode: 200}

	got, err := newTestClient(transport).FetchFavoriteSourceIDs(context.Background())
	if err != nil {
		t.Fatalf("fetch favorites: %v", err)
	}
	if diff := cmp.Diff(model.NewSourceSet("shop-1", "shop-7"), got); diff != "" {
		t.Errorf("favorites mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchQueuedNotificationsAndAcknowledge(t *testing.T) {
	transport := &mockTransport{
		body:       `{"notifications":[{"id":"q1","sourceId":"shop-1","itemId":"u-100","title":"Mangoes"}]}`,
		statusCode: 200,
	}
	c := newTestClient(transport)
	ctx := context.Background()

	got, err := c.FetchQueuedNotifications(ctx)
	if err != nil {
		t.Fatalf("fetch queue: %v", err)
	}
	want := []model.QueuedNotification{{ID: "q1", SourceID: "shop-1", ItemID: "u-100", Title: "Mangoes"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}

	if err := c.Acknowledge(ctx, nil); err != nil {
		t.Fatalf("empty ack: %v", err)
	}
	if err := c.Acknowledge(ctx, []string{"q1"}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	wantReq := []recordedRequest{
		{Method: http.MethodGet, URL: "https://data.example.com/api/notifications/queue"},
		{Method: http.MethodPost, URL: "https://data.example.com/api/notifications/ack", Body: `{"ids":["q1"]}`},
	}
	if diff := cmp.Diff(wantReq, transport.requests); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchFavoriteSourceIDsBadJSON(t *testing.T) {
	transport := &mockTransport{body: `{"sourceIds":`, statusCode: 200}

	if _, err := newTestClient(transport).FetchFavoriteSourceIDs(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}
