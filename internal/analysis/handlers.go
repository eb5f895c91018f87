package analysis

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lumberbarons/inverter-monitor/internal/store"
)

const (
	ScopeUptoToday = "upto_today"
	ScopeDays      = "days"

	defaultSeasonalDays = 30
)

func (s *Service) RegisterEndpoints(r *gin.Engine) {
	api := r.Group("/api")

	api.GET("/analysis/daily/:date", s.DailyGet())
	api.POST("/analysis/run/:date", s.RunPost())
	api.POST("/analysis/cleanup/:date", s.CleanupPost())
	api.GET("/analysis/seasonal", s.SeasonalGet())
	api.POST("/archive", s.ArchivePost())
}

func (s *Service) Enabled() bool {
	return true
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"ok": false, "error": err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, ErrNoSamples) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func parseBool(raw string) bool {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func (s *Service) DailyGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		day, err := store.ParseDay(c.Param("date"))
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		data, err := s.Daily(c.Request.Context(), day)
		if err != nil {
			errorJSON(c, statusFor(err), err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
	}
}

func (s *Service) RunPost() gin.HandlerFunc {
	return func(c *gin.Context) {
		day, err := store.ParseDay(c.Param("date"))
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		doc, err := s.RunDay(c.Request.Context(), day)
		if err != nil {
			errorJSON(c, statusFor(err), err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "date": doc.Date, "analysis": doc})
	}
}

// CleanupPost analyzes the day then deletes its samples. ?keep_analysis=false
// also drops the stored document.
func (s *Service) CleanupPost() gin.HandlerFunc {
	return func(c *gin.Context) {
		day, err := store.ParseDay(c.Param("date"))
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		keep := true
		if raw, ok := c.GetQuery("keep_analysis"); ok {
			keep = parseBool(raw)
		}

		result, err := s.Cleanup(c.Request.Context(), day, keep)
		if err != nil {
			errorJSON(c, statusFor(err), err)
			return
		}

		doc := result.Document
		c.JSON(http.StatusOK, gin.H{
			"ok":              true,
			"date":            result.Date,
			"samples_deleted": result.SamplesDeleted,
			"analysis_kept":   result.AnalysisKept,
			"analysis_summary": gin.H{
				"total_samples":  doc.TotalSamples,
				"pv_kwh":         doc.DailySummary.PVTotalKWh,
				"battery_kwh":    doc.DailySummary.BatteryTotalKWh,
				"load_kwh":       doc.DailySummary.LoadTotalKWh,
				"anomalies":      doc.Monitoring.AnomalyDetection.TotalAnomalies,
				"high_anomalies": doc.Monitoring.AnomalyDetection.HighSeverity,
			},
		})
	}
}

func (s *Service) SeasonalGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := defaultSeasonalDays
		if raw, ok := c.GetQuery("days"); ok {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 1 {
				errorJSON(c, http.StatusBadRequest, errors.New("invalid days: "+raw))
				return
			}
			days = min(v, maxArchiveDays)
		}

		overview, err := s.Seasonal(c.Request.Context(), days)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "period_days": days, "overview": overview})
	}
}

type archiveRequest struct {
	DryRun bool   `json:"dry_run"`
	Scope  string `json:"scope"`
	Days   int    `json:"days"`
	Vacuum bool   `json:"vacuum"`
}

// ArchivePost compacts old samples. Parameters come from the JSON body or,
// without one, from the query string.
func (s *Service) ArchivePost() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := archiveRequest{
			DryRun: parseBool(c.Query("dry_run")),
			Scope:  strings.ToLower(c.Query("scope")),
			Vacuum: parseBool(c.Query("vacuum")),
		}
		if raw := c.Query("days"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				errorJSON(c, http.StatusBadRequest, errors.New("invalid days: "+raw))
				return
			}
			req.Days = v
		}
		if c.Request.ContentLength != 0 {
			if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
				errorJSON(c, http.StatusBadRequest, err)
				return
			}
			req.Scope = strings.ToLower(req.Scope)
		}

		now := s.now()
		var out gin.H
		var archiveReq store.ArchiveRequest
		switch req.Scope {
		case ScopeUptoToday:
			archiveReq.Cutoff = store.StartOfDay(now)
			out = gin.H{"scope": ScopeUptoToday}
		case "", ScopeDays:
			days := req.Days
			if days == 0 {
				days = s.archive.Days
			}
			days = max(1, min(days, maxArchiveDays))
			archiveReq.Cutoff = ArchiveCutoff(now, days)
			out = gin.H{"scope": ScopeDays, "archived_days": days}
		default:
			errorJSON(c, http.StatusBadRequest, errors.New("invalid scope: "+req.Scope))
			return
		}
		archiveReq.DryRun = req.DryRun
		archiveReq.Vacuum = req.Vacuum && !req.DryRun

		summary, err := s.Archive(c.Request.Context(), archiveReq)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}

		out["ok"] = true
		out["summary"] = summary
		out["size_delta_bytes"] = summary.SizeAfter - summary.SizeBefore
		c.JSON(http.StatusOK, out)
	}
}
