// Package oddsapi fetches upcoming match odds from The Odds API and decodes
// them into typed events.
package oddsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// Fetch failure kinds. Errors returned by FetchEvents wrap exactly one of these.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamRejected    = errors.New("upstream rejected request")
	ErrUpstreamMalformed   = errors.New("upstream response malformed")
)

const oddsPath = "/v4/sports/{sport}/odds/"

// Config holds the catalogue query parameters.
type Config struct {
	BaseURL string
	APIKey  string
	Sports  []string
	Regions string
	Markets string
	Timeout time.Duration
}

// Client provides access to The Odds API.
type Client struct {
	http    *resty.Client
	apiKey  string
	sports  []string
	regions string
	markets string
}

type rawEvent struct {
	ID           string         `json:"id"`
	SportKey     string         `json:"sport_key"`
	CommenceTime string         `json:"commence_time"`
	HomeTeam     string         `json:"home_team"`
	AwayTeam     string         `json:"away_team"`
	TotalMatched *float64       `json:"total_matched"`
	TotalMatchK  *float64       `json:"totalMatched"`
	Bookmakers   []rawBookmaker `json:"bookmakers"`
}

type rawBookmaker struct {
	Key     string      `json:"key"`
	Title   string      `json:"title"`
	Markets []rawMarket `json:"markets"`
}

type rawMarket struct {
	Key      string       `json:"key"`
	Outcomes []rawOutcome `json:"outcomes"`
}

type rawOutcome struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// NewClient creates a new Odds API client. The client never retries;
// retry cadence belongs to the caller.
func NewClient(cfg Config) *Client {
	markets := cfg.Markets
	if markets == "" {
		markets = "h2h"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		apiKey:  cfg.APIKey,
		sports:  cfg.Sports,
		regions: cfg.Regions,
		markets: markets,
	}
}

// FetchEvents retrieves every configured sport catalogue and flattens the results.
// A failing sport is logged and skipped; only when all of them fail is an
// error wrapping ErrUpstreamUnavailable returned.
func (c *Client) FetchEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	var errs []error

	for _, sport := range c.sports {
		batch, err := c.fetchSport(ctx, sport)
		if err != nil {
			logger.Warn("Failed to fetch %s catalogue: %v", sport, err)
			errs = append(errs, err)
			continue
		}
		events = append(events, batch...)
	}

	if len(c.sports) > 0 && len(errs) == len(c.sports) {
		return nil, fmt.Errorf("%w: all %d sub-catalogues failed: %v", ErrUpstreamUnavailable, len(errs), errors.Join(errs...))
	}
	return events, nil
}

func (c *Client) fetchSport(ctx context.Context, sport string) ([]models.Event, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sport", sport).
		SetQueryParams(map[string]string{
			"regions":    c.regions,
			"markets":    c.markets,
			"oddsFormat": "decimal",
			"dateFormat": "iso",
			"apiKey":     c.apiKey,
		}).
		Get(oddsPath)
	if err != nil {
		// transport errors embed the request URL, which carries the key
		return nil, fmt.Errorf("%s: %w: %s", sport, ErrUpstreamUnavailable, c.redact(err.Error()))
	}

	if remaining := resp.Header().Get("x-requests-remaining"); remaining != "" {
		logger.Debug("Odds API quota for %s: %s requests remaining", sport, remaining)
	}

	if err := classifyStatus(resp.StatusCode()); err != nil {
		return nil, fmt.Errorf("%s: %w (status %d: %s)", sport, err, resp.StatusCode(), truncate(string(resp.Body()), 200))
	}

	var raw []rawEvent
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", sport, ErrUpstreamMalformed, err)
	}

	events := make([]models.Event, 0, len(raw))
	for i := range raw {
		event, err := normalize(&raw[i], sport)
		if err != nil {
			logger.Debug("Skipping %s entry %q: %v", sport, raw[i].ID, err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrUpstreamUnavailable
	case status >= 400:
		return ErrUpstreamRejected
	default:
		return ErrUpstreamMalformed
	}
}

// normalize converts one raw record into an Event. Records with an unparsable
// start time are rejected; a missing participant is named "Unknown".
func normalize(r *rawEvent, sport string) (models.Event, error) {
	start, err := time.Parse(time.RFC3339, r.CommenceTime)
	if err != nil {
		return models.Event{}, fmt.Errorf("invalid commence_time: %w", err)
	}

	score := 0.0
	switch {
	case r.TotalMatched != nil:
		score = *r.TotalMatched
	case r.TotalMatchK != nil:
		score = *r.TotalMatchK
	}

	sportKey := r.SportKey
	if sportKey == "" {
		sportKey = sport
	}

	event := models.Event{
		ID:       r.ID,
		SportKey: sportKey,
		Home:     participantOrUnknown(r.HomeTeam),
		Away:     participantOrUnknown(r.AwayTeam),
		Start:    start.UTC(),
		Score:    score,
	}

	for _, bm := range r.Bookmakers {
		src := models.Source{Key: bm.Key, Title: bm.Title}
		for _, mkt := range bm.Markets {
			if mkt.Key != "h2h" {
				continue
			}
			for _, o := range mkt.Outcomes {
				if o.Name == "" || o.Price <= 0 || math.IsInf(o.Price, 0) || math.IsNaN(o.Price) {
					continue
				}
				src.Quotes = append(src.Quotes, models.Quote{Participant: o.Name, Price: o.Price})
			}
		}
		if len(src.Quotes) > 0 {
			event.Sources = append(event.Sources, src)
		}
	}

	if err := event.Validate(); err != nil {
		return models.Event{}, err
	}
	return event, nil
}

// Kind names the failure kind of a fetch error for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUpstreamRejected):
		return "rejected"
	case errors.Is(err, ErrUpstreamMalformed):
		return "malformed"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}

func (c *Client) redact(s string) string {
	if c.apiKey == "" {
		return s
	}
	return strings.ReplaceAll(s, c.apiKey, "REDACTED")
}

func participantOrUnknown(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Unknown"
	}
	return name
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
