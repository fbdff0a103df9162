package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zoobzio/clockz"

	"drivescore/internal/telematics"
)

const DefaultBaseURL = "https://api.nhtsa.gov/SafetyRatings"

// Canned star ratings used when the registry cannot provide one.
const (
	UnratedStars  = 4.0 // vehicle found but not rated
	FallbackStars = 3.0 // registry unreachable; neutral adjustment
)

// Rating sources.
const (
	SourceNHTSA    = "nhtsa"
	SourceDefault  = "default"
	SourceFallback = "fallback"
	SourceCache    = "cache"
)

// Rating is an overall crash-test star rating for one vehicle.
type Rating struct {
	Stars       float64 `json:"stars"`
	Source      string  `json:"source"`
	VehicleID   int     `json:"vehicle_id,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Client talks to the NHTSA SafetyRatings API.
type Client struct {
	baseURL    string
	http       *http.Client
	retries    int
	retryDelay time.Duration
	clock      clockz.Clock
}

func NewClient(baseURL string, timeout time.Duration, retries int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: timeout},
		retries:    retries,
		retryDelay: 500 * time.Millisecond,
		clock:      clockz.RealClock,
	}
}

// WithClock sets the clock used between retry attempts.
func (c *Client) WithClock(clock clockz.Clock) *Client {
	c.clock = clock
	return c
}

// WithRetryDelay sets the initial delay between attempts; it doubles after
// each failure.
func (c *Client) WithRetryDelay(d time.Duration) *Client {
	c.retryDelay = d
	return c
}

type searchResponse struct {
	Count   int `json:"Count"`
	Results []struct {
		VehicleID          int    `json:"VehicleId"`
		VehicleDescription string `json:"VehicleDescription"`
	} `json:"Results"`
}

type ratingResponse struct {
	Results []struct {
		VehicleID          int    `json:"VehicleId"`
		VehicleDescription string `json:"VehicleDescription"`
		OverallRating      string `json:"OverallRating"`
	} `json:"Results"`
}

// Lookup resolves the overall star rating of v. Registry failures after all
// retries yield FallbackStars; a vehicle that is unknown or unrated yields
// UnratedStars. Only context cancellation is returned as an error.
func (c *Client) Lookup(ctx context.Context, v telematics.Vehicle) (Rating, error) {
	path := fmt.Sprintf("/modelyear/%d/make/%s/model/%s", v.Year,
		url.PathEscape(strings.ToUpper(strings.TrimSpace(v.Make))),
		url.PathEscape(strings.ToUpper(strings.TrimSpace(v.Model))))

	var search searchResponse
	if err := c.getJSON(ctx, path, &search); err != nil {
		return c.fallback(ctx, v, err)
	}
	if len(search.Results) == 0 {
		log.Printf("nhtsa: no results for %d %s %s", v.Year, v.Make, v.Model)
		return Rating{Stars: UnratedStars, Source: SourceDefault}, nil
	}
	id := search.Results[0].VehicleID

	var detail ratingResponse
	if err := c.getJSON(ctx, "/VehicleId/"+strconv.Itoa(id), &detail); err != nil {
		return c.fallback(ctx, v, err)
	}
	if len(detail.Results) == 0 {
		return Rating{Stars: UnratedStars, Source: SourceDefault, VehicleID: id}, nil
	}
	d := detail.Results[0]
	stars, ok := parseStars(d.OverallRating)
	src := SourceNHTSA
	if !ok {
		stars, src = UnratedStars, SourceDefault
	}
	return Rating{Stars: stars, Source: src, VehicleID: id, Description: d.VehicleDescription}, nil
}

func (c *Client) fallback(ctx context.Context, v telematics.Vehicle, err error) (Rating, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Rating{}, ctxErr
	}
	log.Printf("nhtsa: lookup %d %s %s failed, using fallback: %v", v.Year, v.Make, v.Model, err)
	return Rating{Stars: FallbackStars, Source: SourceFallback}, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// getJSON performs a GET with exponential backoff. 4xx responses other than
// 429 are not retried.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	delay := c.retryDelay
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.clock.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = c.fetch(ctx, path, out)
		if lastErr == nil {
			return nil
		}
		var se *statusError
		if errors.As(lastErr, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) fetch(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?format=json", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseStars accepts "1".."5"; anything else (e.g. "Not Rated") is unrated.
func parseStars(s string) (float64, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 5 {
		return 0, false
	}
	return float64(n), true
}
