package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jgoulah/dompoller/pkg/models"
)

const (
	dominionAPIURL   = "https://api.dominionenergy.com/engage/v1"
	intervalsPath    = "/usage/intervals"
	billingPath      = "/billing/periods"
	tokenRefreshPath = "/auth/token/refresh"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36"
)

// DominionClient fetches usage data from the Dominion Energy engage API
type DominionClient struct {
	httpClient *http.Client
	baseURL    string

	mu            sync.Mutex
	creds         models.Credentials
	onTokenUpdate TokenUpdateFunc
}

// NewDominionClient creates a new API client. onTokenUpdate may be nil; when
// set it is called with every rotated credential pair so the caller can
// persist it.
func NewDominionClient(creds models.Credentials, onTokenUpdate TokenUpdateFunc) *DominionClient {
	return &DominionClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:       dominionAPIURL,
		creds:         creds,
		onTokenUpdate: onTokenUpdate,
	}
}

// SetBaseURL overrides the API endpoint (used in tests)
func (c *DominionClient) SetBaseURL(base string) {
	c.baseURL = base
}

// Credentials returns the current credential pair
func (c *DominionClient) Credentials() models.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// SetCredentials replaces the credential pair, e.g. after external
// re-authentication
func (c *DominionClient) SetCredentials(creds models.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// intervalPayload matches the engage API interval usage response
type intervalPayload struct {
	Readings []struct {
		StartTime   string  `json:"start_time"`
		Consumption float64 `json:"consumption"`
		DayComplete bool    `json:"day_complete"`
	} `json:"readings"`
}

// FetchIntervals implements Client.FetchIntervals
func (c *DominionClient) FetchIntervals(ctx context.Context, account, meter string, start, end time.Time) ([]models.IntervalReading, error) {
	params := url.Values{}
	params.Set("account_number", account)
	params.Set("meter_number", meter)
	params.Set("date", start.Format("2006-01-02"))
	params.Set("end_date", end.Format("2006-01-02"))
	params.Set("interval", "30min")

	body, err := c.get(ctx, intervalsPath, params)
	if err != nil {
		return nil, err
	}

	var payload intervalPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &MalformedDataError{Message: "decoding interval response", Err: err}
	}

	readings := make([]models.IntervalReading, 0, len(payload.Readings))
	for _, r := range payload.Readings {
		ts, err := time.Parse(time.RFC3339, r.StartTime)
		if err != nil {
			return nil, &MalformedDataError{Message: fmt.Sprintf("bad interval timestamp %q", r.StartTime), Err: err}
		}
		if r.Consumption < 0 {
			return nil, &MalformedDataError{Message: fmt.Sprintf("negative consumption %g at %s", r.Consumption, r.StartTime)}
		}
		readings = append(readings, models.IntervalReading{
			Start:       ts,
			KWh:         r.Consumption,
			DayComplete: r.DayComplete,
		})
	}

	return readings, nil
}

// billingPayload matches the engage API billing periods response
type billingPayload struct {
	Current *struct {
		StartDate string  `json:"start_date"`
		Usage     float64 `json:"usage"`
		Charges   float64 `json:"charges"`
	} `json:"current"`
	Last *struct {
		StartDate string  `json:"start_date"`
		EndDate   string  `json:"end_date"`
		Usage     float64 `json:"usage"`
		Charges   float64 `json:"charges"`
	} `json:"last"`
}

// FetchBillingPeriods implements Client.FetchBillingPeriods
func (c *DominionClient) FetchBillingPeriods(ctx context.Context, account string) (*models.BillingSummary, error) {
	params := url.Values{}
	params.Set("account_number", account)

	body, err := c.get(ctx, billingPath, params)
	if err != nil {
		return nil, err
	}

	var payload billingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &MalformedDataError{Message: "decoding billing response", Err: err}
	}

	summary := &models.BillingSummary{}
	if payload.Current != nil {
		start, err := time.Parse("2006-01-02", payload.Current.StartDate)
		if err != nil {
			return nil, &MalformedDataError{Message: "bad current period start date", Err: err}
		}
		summary.Current = &models.BillingPeriod{
			Start:   start,
			KWh:     payload.Current.Usage,
			Charges: payload.Current.Charges,
		}
	}
	if payload.Last != nil {
		start, err := time.Parse("2006-01-02", payload.Last.StartDate)
		if err != nil {
			return nil, &MalformedDataError{Message: "bad last period start date", Err: err}
		}
		end, err := time.Parse("2006-01-02", payload.Last.EndDate)
		if err != nil {
			return nil, &MalformedDataError{Message: "bad last period end date", Err: err}
		}
		summary.Last = &models.BillingPeriod{
			Start:   start,
			End:     end,
			KWh:     payload.Last.Usage,
			Charges: payload.Last.Charges,
		}
	}

	return summary, nil
}

// RefreshTokens implements Client.RefreshTokens
func (c *DominionClient) RefreshTokens(ctx context.Context) (models.Credentials, error) {
	c.mu.Lock()
	refreshToken := c.creds.RefreshToken
	c.mu.Unlock()

	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return models.Credentials{}, fmt.Errorf("encoding refresh payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+tokenRefreshPath, bytes.NewBuffer(payload))
	if err != nil {
		return models.Credentials{}, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Credentials{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return models.Credentials{}, &AuthError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("refresh token rejected (status %d): %s", resp.StatusCode, string(body)),
		}
	}
	if resp.StatusCode >= 500 {
		return models.Credentials{}, &TransientError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return models.Credentials{}, fmt.Errorf("token refresh returned status %d: %s", resp.StatusCode, string(body))
	}

	var creds models.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return models.Credentials{}, &MalformedDataError{Message: "decoding token response", Err: err}
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		return models.Credentials{}, &MalformedDataError{Message: "token response missing tokens"}
	}

	c.mu.Lock()
	c.creds = creds
	callback := c.onTokenUpdate
	c.mu.Unlock()

	if callback != nil {
		callback(creds)
	}

	return creds, nil
}

// get performs an authenticated GET and classifies HTTP-level failures
func (c *DominionClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.mu.Lock()
	accessToken := c.creds.AccessToken
	c.mu.Unlock()

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures retry on the next cycle
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("authentication failed (status %d): %s", resp.StatusCode, string(body)),
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
