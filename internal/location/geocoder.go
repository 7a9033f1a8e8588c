package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/geo"
	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/resilience"
)

// Geocoder corroborates a position against a place database. The result is
// advisory: a failed or skipped check never blocks a submission, it only
// withholds the geocode bonus from the confidence score.
type Geocoder interface {
	Reverse(ctx context.Context, point geo.Coordinate) (*model.GeocodeMetadata, error)
}

// HTTPGeocoder reverse-geocodes against a Nominatim-compatible endpoint,
// with retries for transient failures and a circuit breaker so a dead
// provider cannot stall the submit path.
type HTTPGeocoder struct {
	baseURL   string
	userAgent string
	client    *http.Client
	retryCfg  resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	logger    *zap.Logger
}

// NewHTTPGeocoder builds a geocoder for the given base URL, e.g.
// "https://nominatim.openstreetmap.org".
func NewHTTPGeocoder(baseURL, userAgent string, timeout time.Duration) *HTTPGeocoder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGeocoder{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		retryCfg:  resilience.GeocodeRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			ShouldTrip:       resilience.IsTransient,
		}),
		logger: zap.L().Named("geocoder"),
	}
}

type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		County string `json:"county"`
		State  string `json:"state"`
	} `json:"address"`
	Error string `json:"error"`
}

// Reverse looks the point up. The returned metadata has Verified=true only
// when the provider resolved the point to a named place.
func (g *HTTPGeocoder) Reverse(ctx context.Context, point geo.Coordinate) (*model.GeocodeMetadata, error) {
	if !point.Valid() {
		return nil, eris.Errorf("geocoder: invalid point %f,%f", point.Latitude, point.Longitude)
	}

	cfg := g.retryCfg
	cfg.OnRetry = resilience.RetryLogger("reverse_geocode")

	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*model.GeocodeMetadata, error) {
		return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.GeocodeMetadata, error) {
			return g.reverseOnce(ctx, point)
		})
	})
}

func (g *HTTPGeocoder) reverseOnce(ctx context.Context, point geo.Coordinate) (*model.GeocodeMetadata, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%f", point.Latitude))
	q.Set("lon", fmt.Sprintf("%f", point.Longitude))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocoder: build request")
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocoder: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("geocoder: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var nr nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return nil, eris.Wrap(err, "geocoder: decode response")
	}

	meta := &model.GeocodeMetadata{
		Provider:  "nominatim",
		CheckedAt: time.Now().UTC(),
	}
	if nr.Error == "" && nr.DisplayName != "" {
		meta.Verified = true
		meta.PlaceName = nr.DisplayName
		meta.AdminArea = nr.Address.County
		if meta.AdminArea == "" {
			meta.AdminArea = nr.Address.State
		}
	}
	return meta, nil
}
