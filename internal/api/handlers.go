package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"player-values/internal/model"
	"player-values/internal/publish"
	"player-values/internal/storage"
	"player-values/internal/values"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type rebuildRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type modeRequest struct {
	Mode  string `json:"mode" binding:"required"`
	Actor string `json:"actor"`
}

type trendView struct {
	PlayerID       string         `json:"player_id"`
	Format         model.Format   `json:"format"`
	ValueNow       float64        `json:"value_now"`
	Value7d        float64        `json:"value_7d"`
	Value30d       float64        `json:"value_30d"`
	Change7d       float64        `json:"change_7d"`
	Change30d      float64        `json:"change_30d"`
	Volatility     float64        `json:"volatility"`
	Tag            model.TrendTag `json:"tag"`
	SignalStrength float64        `json:"signal_strength"`
	ComputedAt     string         `json:"computed_at"`
}

func (s *Server) getValue(c *gin.Context) {
	format, ok := formatParam(c)
	if !ok {
		return
	}
	key := model.ValueKey{
		PlayerID:        c.Param("player_id"),
		Format:          format,
		LeagueProfileID: c.Query("profile"),
	}
	view, err := s.reader.GetValue(c.Request.Context(), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) listRankings(c *gin.Context) {
	format, ok := formatParam(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	q := values.RankingsQuery{Format: format, ProfileID: c.Query("profile"), Limit: limit}
	if raw := c.Query("position"); raw != "" {
		pos, err := model.ParsePosition(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		q.Position = pos
	}

	rows, epoch, err := s.reader.Rankings(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "value_epoch": epoch.Number})
}

func (s *Server) listTrends(c *gin.Context) {
	format, ok := formatParam(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	var tag *model.TrendTag
	if raw := c.Query("tag"); raw != "" {
		t, err := model.ParseTrendTag(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		tag = &t
	}

	records, err := s.store.ListTrends(c.Request.Context(), format, tag, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]trendView, 0, len(records))
	for _, r := range records {
		out = append(out, trendView{
			PlayerID:       r.PlayerID,
			Format:         r.Format,
			ValueNow:       r.ValueNow,
			Value7d:        r.Value7d,
			Value30d:       r.Value30d,
			Change7d:       r.Change7d,
			Change30d:      r.Change30d,
			Volatility:     r.Volatility,
			Tag:            r.Tag,
			SignalStrength: r.SignalStrength,
			ComputedAt:     r.ComputedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) getState(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := s.store.SystemState(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{"mode": state.Mode, "updated_by": state.UpdatedBy, "updated_at": state.UpdatedAt}
	epoch, err := s.store.CurrentEpoch(ctx)
	switch {
	case err == nil:
		body["current_epoch"] = gin.H{
			"id":                epoch.ID,
			"number":            epoch.Number,
			"players_processed": epoch.PlayersProcessed,
			"completed_at":      epoch.CompletedAt,
		}
	case errors.Is(err, storage.ErrNoCurrentEpoch):
		body["current_epoch"] = nil
	default:
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": body})
}

func (s *Server) triggerRebuild(c *gin.Context) {
	var req rebuildRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	res, err := s.rebuilder.Rebuild(c.Request.Context(), req.Reason, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, publish.ErrRebuildInProgress), errors.Is(err, publish.ErrModeNotNormal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "data": res})
		default:
			s.logger.Error().Err(err).Msg("rebuild via api failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "data": res})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	mode, err := model.ParseOperatingMode(req.Mode)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	if err := s.store.SetOperatingMode(c.Request.Context(), mode, req.Actor); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info().Str("mode", string(mode)).Str("actor", req.Actor).Msg("operating mode changed")
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"mode": mode}})
}

func (s *Server) checkTop(c *gin.Context) {
	format, ok := formatParam(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	report, err := s.checker.CheckTop(c.Request.Context(), format, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) checkValue(c *gin.Context) {
	format, ok := formatParam(c)
	if !ok {
		return
	}
	check := s.checker.CheckValue(c.Request.Context(), model.ValueKey{
		PlayerID:        c.Param("player_id"),
		Format:          format,
		LeagueProfileID: c.Query("profile"),
	})
	c.JSON(http.StatusOK, gin.H{"data": check, "consistent": check.Consistent()})
}

// fail maps storage errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNoCurrentEpoch):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func formatParam(c *gin.Context) (model.Format, bool) {
	format, err := model.ParseFormat(c.Param("format"))
	if err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return format, true
}

func limitParam(c *gin.Context) (int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		badRequest(c, "invalid limit")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
