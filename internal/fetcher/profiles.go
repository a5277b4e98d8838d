package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"player-values/internal/model"
)

const maxConcurrentLeagues = 4

type profileFile struct {
	Leagues []fileLeague `yaml:"leagues"`
}

type fileLeague struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	Format          string             `yaml:"format"`
	Dynasty         bool               `yaml:"dynasty"`
	Scoring         map[string]float64 `yaml:"scoring"`
	RosterPositions []string           `yaml:"roster_positions"`
}

// LoadProfileFile reads league profiles from YAML. A league without an explicit format is
// valued as dynasty or redraft per its dynasty flag, superflex per its roster.
func LoadProfileFile(path string) ([]model.LeagueProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var doc profileFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}

	out := make([]model.LeagueProfile, 0, len(doc.Leagues))
	seen := make(map[string]struct{}, len(doc.Leagues))
	for i, l := range doc.Leagues {
		id := strings.TrimSpace(l.ID)
		if id == "" {
			return nil, fmt.Errorf("profiles %s: league %d has no id", path, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("profiles %s: duplicate league id %s", path, id)
		}
		seen[id] = struct{}{}

		roster := normalizeRoster(l.RosterPositions)
		format := formatFor(l.Dynasty, roster)
		if l.Format != "" {
			if format, err = model.ParseFormat(l.Format); err != nil {
				return nil, fmt.Errorf("profiles %s: league %s: %w", path, id, err)
			}
		}
		out = append(out, model.LeagueProfile{
			ID:              id,
			Name:            l.Name,
			Format:          format,
			Scoring:         scoringFromMap(l.Scoring),
			RosterPositions: roster,
		})
	}
	sortProfiles(out)
	return out, nil
}

// ProfileSet merges file profiles with remote leagues. A remote league that fails is logged
// and skipped so one stalled league cannot hold up a rebuild.
type ProfileSet struct {
	file      string
	leagueIDs []string
	remote    LeagueFetcher
	logger    zerolog.Logger
}

// NewProfileSet builds a set. file may be empty; remote may be nil when leagueIDs is empty.
func NewProfileSet(file string, leagueIDs []string, remote LeagueFetcher, logger zerolog.Logger) *ProfileSet {
	return &ProfileSet{
		file:      file,
		leagueIDs: leagueIDs,
		remote:    remote,
		logger:    logger.With().Str("component", "profiles").Logger(),
	}
}

// Profiles returns every known profile ordered by id. Remote entries replace file entries
// with the same id.
func (p *ProfileSet) Profiles(ctx context.Context) ([]model.LeagueProfile, error) {
	byID := make(map[string]model.LeagueProfile)
	if p.file != "" {
		fromFile, err := LoadProfileFile(p.file)
		if err != nil {
			return nil, err
		}
		for _, prof := range fromFile {
			byID[prof.ID] = prof
		}
	}

	if len(p.leagueIDs) > 0 {
		if p.remote == nil {
			return nil, errors.New("league ids configured without a remote fetcher")
		}
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentLeagues)
		for _, id := range p.leagueIDs {
			g.Go(func() error {
				prof, err := p.remote.FetchLeague(gctx, id)
				if err != nil {
					p.logger.Warn().Err(err).Str("league_id", id).Msg("league fetch failed, skipping")
					return nil
				}
				mu.Lock()
				byID[prof.ID] = prof
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	out := make([]model.LeagueProfile, 0, len(byID))
	for _, prof := range byID {
		out = append(out, prof)
	}
	sortProfiles(out)
	return out, nil
}
