// Package fetcher is the client of the remote data service that owns shops,
// their updates, favorites and the server-side notification queue.
package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"localbuzz/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// Feed extension namespaces, keyed by the prefix declared in the document.
const (
	nsGeoRSS = "georss"
	nsLocal  = "lb"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the data service.
type Client struct {
	client   HTTPClient
	baseURL  string
	token    string
	radiusKm float64
	timeout  time.Duration
	log      *slog.Logger
}

// New creates a Client for the service at baseURL.
func New(client HTTPClient, baseURL string, log *slog.Logger) *Client {
	return &Client{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		radiusKm: 10,
		timeout:  30 * time.Second,
		log:      log,
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SetRadius sets the search radius sent with item requests. It should cover
// the widest radius the caller matches against.
func (c *Client) SetRadius(km float64) {
	c.radiusKm = km
}

// FetchEligibleItems returns the items the service considers live around
// ref. The service filters by activity, expiry and radius; callers still
// filter locally because the service may lag.
func (c *Client) FetchEligibleItems(ctx context.Context, ref model.Coordinate) ([]model.Item, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(ref.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(ref.Longitude, 'f', -1, 64))
	q.Set("radius", strconv.FormatFloat(c.radiusKm, 'f', -1, 64))

	body, err := c.do(ctx, http.MethodGet, "/updates.rss", q, nil)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]model.Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		item, err := ParseItem(fi)
		if err != nil {
			c.log.Warn("skip feed item", "guid", fi.GUID, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// FetchFavoriteSourceIDs returns the sources the user marked as favorite.
func (c *Client) FetchFavoriteSourceIDs(ctx context.Context) (model.SourceSet, error) {
	var resp struct {
		SourceIDs []string `json:"sourceIds"`
	}
	if err := c.getJSON(ctx, "/favorites", &resp); err != nil {
		return nil, err
	}
	return model.NewSourceSet(resp.SourceIDs...), nil
}

// FetchQueuedNotifications returns the pending entries of the server-side
// notification queue.
func (c *Client) FetchQueuedNotifications(ctx context.Context) ([]model.QueuedNotification, error) {
	var resp struct {
		Notifications []model.QueuedNotification `json:"notifications"`
	}
	if err := c.getJSON(ctx, "/notifications/queue", &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// Acknowledge tells the service the given queue entries were handled.
func (c *Client) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{IDs: ids})
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, "/notifications/ack", nil, payload); err != nil {
		return err
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "LocalBuzz/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// ParseItem converts a GeoRSS feed entry into an Item. The entry carries its
// position in georss:point and shop data in the lb namespace.
func ParseItem(fi *gofeed.Item) (model.Item, error) {
	item := model.Item{
		ID:          ItemGUID(fi),
		SourceID:    extension(fi, nsLocal, "shopId"),
		SourceName:  extension(fi, nsLocal, "shopName"),
		Title:       strings.TrimSpace(fi.Title),
		Description: strings.TrimSpace(fi.Description),
		IsActive:    true,
	}
	if len(fi.Categories) > 0 {
		item.Category = strings.TrimSpace(fi.Categories[0])
	}
	if item.SourceID == "" {
		return model.Item{}, fmt.Errorf("item %s: missing shop id", item.ID)
	}

	loc, err := parsePoint(extension(fi, nsGeoRSS, "point"))
	if err != nil {
		return model.Item{}, fmt.Errorf("item %s: %w", item.ID, err)
	}
	item.Location = loc

	switch created := extension(fi, nsLocal, "createdAt"); {
	case created != "":
		if item.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return model.Item{}, fmt.Errorf("item %s: parse created at: %w", item.ID, err)
		}
	case fi.PublishedParsed != nil:
		item.CreatedAt = *fi.PublishedParsed
	default:
		return model.Item{}, fmt.Errorf("item %s: missing creation time", item.ID)
	}

	expires := extension(fi, nsLocal, "expiresAt")
	if expires == "" {
		return model.Item{}, fmt.Errorf("item %s: missing expiry", item.ID)
	}
	if item.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return model.Item{}, fmt.Errorf("item %s: parse expiry: %w", item.ID, err)
	}

	if active := extension(fi, nsLocal, "active"); active != "" {
		if item.IsActive, err = strconv.ParseBool(active); err != nil {
			return model.Item{}, fmt.Errorf("item %s: parse active flag: %w", item.ID, err)
		}
	}
	return item, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func extension(fi *gofeed.Item, ns, name string) string {
	values := fi.Extensions[ns][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// parsePoint reads a georss:point value: latitude and longitude separated
// by whitespace.
func parsePoint(s string) (model.Coordinate, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return model.Coordinate{}, fmt.Errorf("invalid georss point %q", s)
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("parse latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("parse longitude: %w", err)
	}
	c := model.Coordinate{Latitude: lat, Longitude: lon}
	if err := c.Validate(); err != nil {
		return model.Coordinate{}, err
	}
	return c, nil
}
