package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/metrics"
	"github.com/coursemart/signin/internal/model"
)

// Factor weights. Scores are additive and clamped to 0..100.
var riskWeights = map[model.RiskFactor]int{
	model.RiskFactorNewDevice:        20,
	model.RiskFactorNewLocation:      30,
	model.RiskFactorUnknownLocation:  10,
	model.RiskFactorUnusualHour:      15,
	model.RiskFactorVelocityAnomaly:  25,
	model.RiskFactorRecentFailures:   20,
	model.RiskFactorImpossibleTravel: 35,
	model.RiskFactorNoHistory:        10,
}

const (
	// minHistoryForHourCheck is how many past sign-ins are needed before an
	// hour of day can be called unusual
	minHistoryForHourCheck = 5
	usualHourTolerance     = 2
	recentFailureWindow    = time.Hour
	recentFailureThreshold = 3
	travelWindow           = time.Hour
)

// RiskContext is what is known about the attempt being scored
type RiskContext struct {
	Client        model.ClientContext
	DeviceID      string
	NewDevice     bool
	DeviceTrusted bool
	At            time.Time
}

// BehaviorReport is a behavioral analyzer's verdict
type BehaviorReport struct {
	Score       int
	Factors     []model.RiskFactor
	AllowBypass bool
}

// BehaviorAnalyzer compares an attempt with the account's history
type BehaviorAnalyzer interface {
	AnalyzeRisk(ctx context.Context, userID string, rc RiskContext) (*BehaviorReport, error)
}

// RiskEngine turns an analyzer report into a bounded assessment. Anything
// that goes wrong yields the maximum score and no bypass.
type RiskEngine struct {
	analyzer BehaviorAnalyzer
	ceiling  int
	timeout  time.Duration
	log      *logger.Logger
}

// NewRiskEngine creates a new RiskEngine
func NewRiskEngine(analyzer BehaviorAnalyzer, bypassCeiling int, timeout time.Duration, log *logger.Logger) *RiskEngine {
	return &RiskEngine{
		analyzer: analyzer,
		ceiling:  bypassCeiling,
		timeout:  timeout,
		log:      log.WithComponent("risk"),
	}
}

// Score assesses the attempt. It never returns an error.
func (e *RiskEngine) Score(ctx context.Context, userID string, rc RiskContext) model.RiskAssessment {
	report, err := e.analyze(ctx, userID, rc)
	if err == nil && report == nil {
		err = errors.New("analyzer returned no report")
	}
	if err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("risk").Inc()
		e.log.Warn().Err(err).Str("user_id", userID).Msg("risk analysis failed, assuming high risk")
		return model.RiskAssessment{
			Score:   model.MaxRiskScore,
			Factors: []model.RiskFactor{model.RiskFactorUnavailable},
		}
	}

	score := clampScore(report.Score)
	factors := report.Factors
	if factors == nil {
		factors = []model.RiskFactor{}
	}

	return model.RiskAssessment{
		Score:                    score,
		Factors:                  factors,
		AllowTrustedDeviceBypass: report.AllowBypass && score <= e.ceiling,
	}
}

type analysisResult struct {
	report *BehaviorReport
	err    error
}

// analyze bounds the analyzer by the risk timeout even when it ignores ctx.
// A late result is dropped into the buffered channel and discarded.
func (e *RiskEngine) analyze(ctx context.Context, userID string, rc RiskContext) (*BehaviorReport, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan analysisResult, 1)
	go func() {
		report, err := e.analyzer.AnalyzeRisk(ctx, userID, rc)
		done <- analysisResult{report: report, err: err}
	}()

	select {
	case res := <-done:
		return res.report, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("risk analysis: %w", ctx.Err())
	}
}

func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > model.MaxRiskScore:
		return model.MaxRiskScore
	default:
		return score
	}
}

// LoginHistory reads an account's recent sign-in events
type LoginHistory interface {
	RecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]model.LoginRecord, error)
}

// HistoryAnalyzer scores attempts against the audit trail
type HistoryAnalyzer struct {
	history LoginHistory
	cfg     config.RiskConfig
}

// NewHistoryAnalyzer creates a new HistoryAnalyzer
func NewHistoryAnalyzer(history LoginHistory, cfg config.RiskConfig) *HistoryAnalyzer {
	return &HistoryAnalyzer{history: history, cfg: cfg}
}

// AnalyzeRisk implements BehaviorAnalyzer
func (a *HistoryAnalyzer) AnalyzeRisk(ctx context.Context, userID string, rc RiskContext) (*BehaviorReport, error) {
	at := rc.At
	if at.IsZero() {
		at = time.Now()
	}

	records, err := a.history.RecentByUser(ctx, userID, at.Add(-a.cfg.HistoryWindow), a.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load login history: %w", err)
	}

	var successes []model.LoginRecord
	var recentAttempts, recentFailures int
	for _, rec := range records {
		if rec.Succeeded() {
			successes = append(successes, rec)
		}
		age := at.Sub(rec.CreatedAt)
		if age <= a.cfg.VelocityWindow {
			recentAttempts++
		}
		if rec.Action == model.AuditActionLoginFailed && age <= recentFailureWindow {
			recentFailures++
		}
	}

	var factors []model.RiskFactor
	if rc.NewDevice {
		factors = append(factors, model.RiskFactorNewDevice)
	}
	if !rc.Client.HasLocation() {
		factors = append(factors, model.RiskFactorUnknownLocation)
	}

	if len(successes) == 0 {
		factors = append(factors, model.RiskFactorNoHistory)
	} else {
		if rc.Client.HasLocation() && !seenCountry(successes, rc.Client.Country) {
			factors = append(factors, model.RiskFactorNewLocation)
		}
		if len(successes) >= minHistoryForHourCheck && !usualHour(successes, at) {
			factors = append(factors, model.RiskFactorUnusualHour)
		}
		if impossibleTravel(successes, rc.Client, at) {
			factors = append(factors, model.RiskFactorImpossibleTravel)
		}
	}

	if a.cfg.VelocityThreshold > 0 && recentAttempts >= a.cfg.VelocityThreshold {
		factors = append(factors, model.RiskFactorVelocityAnomaly)
	}
	if recentFailures >= recentFailureThreshold {
		factors = append(factors, model.RiskFactorRecentFailures)
	}

	score := 0
	allowBypass := true
	for _, f := range factors {
		score += riskWeights[f]
		if f == model.RiskFactorImpossibleTravel || f == model.RiskFactorVelocityAnomaly {
			allowBypass = false
		}
	}

	return &BehaviorReport{
		Score:       clampScore(score),
		Factors:     factors,
		AllowBypass: allowBypass,
	}, nil
}

func seenCountry(records []model.LoginRecord, country string) bool {
	for _, rec := range records {
		if rec.Country == country {
			return true
		}
	}
	return false
}

// usualHour reports whether at falls within a couple of hours (UTC) of any
// past sign-in
func usualHour(records []model.LoginRecord, at time.Time) bool {
	hour := at.UTC().Hour()
	for _, rec := range records {
		diff := hour - rec.CreatedAt.UTC().Hour()
		if diff < 0 {
			diff = -diff
		}
		if diff > 12 {
			diff = 24 - diff
		}
		if diff <= usualHourTolerance {
			return true
		}
	}
	return false
}

// impossibleTravel flags a known country differing from the country of a
// sign-in less than an hour ago
func impossibleTravel(records []model.LoginRecord, cc model.ClientContext, at time.Time) bool {
	if !cc.HasLocation() {
		return false
	}
	for _, rec := range records {
		if at.Sub(rec.CreatedAt) > travelWindow {
			continue
		}
		if rec.Country != "" && rec.Country != model.Unknown && rec.Country != cc.Country {
			return true
		}
	}
	return false
}
