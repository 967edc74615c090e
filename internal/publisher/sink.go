package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jgoulah/dompoller/internal/config"
	"github.com/jgoulah/dompoller/pkg/models"
)

// HASink pushes statistics batches to Home Assistant's import endpoint so the
// Energy dashboard can render the backfilled series
type HASink struct {
	url    string
	token  string
	client *http.Client
}

// NewHASink creates a statistics sink for the configured Home Assistant instance
func NewHASink(cfg config.HAConfig) (*HASink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Home Assistant URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("Home Assistant token is required")
	}

	return &HASink{
		url:   cfg.URL,
		token: cfg.Token,
		// Longer timeout: importing a backfill batch can take a while
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// statisticsPayload matches the recorder import_statistics service call data
type statisticsPayload struct {
	StatisticID string            `json:"statistic_id"`
	Unit        string            `json:"unit_of_measurement"`
	HasSum      bool              `json:"has_sum"`
	Stats       []statisticsEntry `json:"stats"`
}

type statisticsEntry struct {
	Start string  `json:"start"`
	State float64 `json:"state"`
	Sum   float64 `json:"sum"`
}

// PushStatistics upserts an ordered batch of statistic points by timestamp
func (s *HASink) PushStatistics(ctx context.Context, statisticID string, points []models.StatisticPoint) error {
	if len(points) == 0 {
		return nil
	}

	payload := statisticsPayload{
		StatisticID: statisticID,
		Unit:        "kWh",
		HasSum:      true,
		Stats:       make([]statisticsEntry, 0, len(points)),
	}
	for _, p := range points {
		payload.Stats = append(payload.Stats, statisticsEntry{
			Start: p.Start.Format(time.RFC3339),
			State: p.KWh,
			Sum:   p.Sum,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/api/services/recorder/import_statistics", s.url)
	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error: status %d, response: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
