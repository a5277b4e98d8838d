package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"player-values/internal/model"
)

// sleeperDynastyType is Sleeper's settings.type for dynasty leagues.
const sleeperDynastyType = 2

// SleeperOptions parameterise the Sleeper league fetcher.
type SleeperOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Sleeper fetches league settings from the Sleeper API.
type Sleeper struct {
	opts    SleeperOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewSleeper constructs a Sleeper fetcher. Every request is bounded by the timeout.
func NewSleeper(opts SleeperOptions, logger zerolog.Logger) *Sleeper {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.sleeper.app/v1"
	}

	return &Sleeper{
		opts:    opts,
		logger:  logger.With().Str("component", "sleeper_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchLeague retrieves GET {base}/league/{id} and maps it onto a profile.
func (s *Sleeper) FetchLeague(ctx context.Context, leagueID string) (model.LeagueProfile, error) {
	leagueID = strings.TrimSpace(leagueID)
	if leagueID == "" {
		return model.LeagueProfile{}, errors.New("league id required")
	}

	endpoint := s.baseURL + "/league/" + url.PathEscape(leagueID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.LeagueProfile{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "playervalues/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.LeagueProfile{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.LeagueProfile{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.LeagueProfile{}, parseHTTPError(resp.StatusCode, payload)
	}
	// Sleeper answers unknown leagues with 200 and a null body.
	if strings.TrimSpace(string(payload)) == "null" {
		return model.LeagueProfile{}, fmt.Errorf("league %s not found", leagueID)
	}

	var league leagueResponse
	if err := json.Unmarshal(payload, &league); err != nil {
		return model.LeagueProfile{}, fmt.Errorf("decode league %s: %w", leagueID, err)
	}

	roster := normalizeRoster(league.RosterPositions)
	profile := model.LeagueProfile{
		ID:              leagueID,
		Name:            league.Name,
		Format:          formatFor(league.Settings.Type == sleeperDynastyType, roster),
		Scoring:         scoringFromMap(league.ScoringSettings),
		RosterPositions: roster,
	}
	s.logger.Debug().
		Str("league_id", leagueID).
		Str("format", string(profile.Format)).
		Float64("pass_td", profile.Scoring.PassTD).
		Msg("league fetched")
	return profile, nil
}

type leagueResponse struct {
	LeagueID        string             `json:"league_id"`
	Name            string             `json:"name"`
	Season          string             `json:"season"`
	ScoringSettings map[string]float64 `json:"scoring_settings"`
	RosterPositions []string           `json:"roster_positions"`
	Settings        struct {
		Type int `json:"type"`
	} `json:"settings"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("sleeper api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("sleeper api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("sleeper api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("sleeper api error (%d)", status)
}

var _ LeagueFetcher = (*Sleeper)(nil)
