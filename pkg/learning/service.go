package learning

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

const (
	// matchThreshold is the minimum Jaccard similarity for a pattern match.
	matchThreshold = 0.6

	// effectivenessFloor is the minimum effectiveness a pattern needs to be
	// offered as a match.
	effectivenessFloor = 0.5

	// decayHalfLife controls recency weighting: a pattern unused for one
	// half-life counts its successes at half weight.
	decayHalfLife = 30 * 24 * time.Hour

	effectivenessEpsilon = 1e-6

	// versionWindow and versionDropDelta define a material drop: when the
	// success rate over the last versionWindow outcomes falls this far below
	// the lifetime rate, a new version is cut and the old one archived.
	versionWindow    = 5
	versionDropDelta = 0.2

	defaultPatternType = "sequence"
	defaultMissionType = "general"

	cacheTTL     = time.Minute
	cacheSweep   = 5 * time.Minute
	matchKeyStem = "match:"
)

// Service owns learned patterns and their outcome history. It implements the
// orchestrator's PatternMatcher.
type Service struct {
	store  *store.Store
	events *events.Service
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewService creates the learning service.
func NewService(st *store.Store, ev *events.Service, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		events: ev,
		cache:  gocache.New(cacheTTL, cacheSweep),
		logger: logger.With("component", "learning"),
	}
}

// Match finds the best stored pattern for a mission, or nil when nothing
// clears the similarity and effectiveness bars. Matches are cached briefly.
func (s *Service) Match(ctx context.Context, missionType string, keywords []string) (*models.Pattern, error) {
	if missionType == "" {
		missionType = defaultMissionType
	}
	want := tokens(keywords)
	if len(want) == 0 {
		return nil, nil
	}

	key := matchKeyStem + missionType + ":" + strings.Join(CanonicalSequence(keywords), ",")
	if cached, ok := s.cache.Get(key); ok {
		p := cached.(models.Pattern)
		return &p, nil
	}

	candidates, err := s.store.ListPatterns(ctx, missionType, "", "", 0)
	if err != nil {
		return nil, err
	}

	var (
		best      *models.Pattern
		bestScore float64
	)
	for i := range candidates {
		p := &candidates[i]
		if p.Status == models.PatternArchived || p.Effectiveness < effectivenessFloor {
			continue
		}
		score := jaccard(want, tokens(p.Template))
		if score < matchThreshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && p.Effectiveness > best.Effectiveness) {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return nil, nil
	}

	now := models.Now()
	best.LastUsedAt = &now
	if err := s.store.UpdatePatternStats(ctx, best.PatternID, best.SuccessCount,
		best.FailureCount, best.AvgDuration, best.Effectiveness, fmtNow(now)); err != nil {
		s.logger.Warn("Recording pattern use failed", "pattern_id", best.PatternID, "error", err)
	}
	s.cache.SetDefault(key, *best)
	s.logger.Info("Pattern matched",
		"pattern_id", best.PatternID, "mission_type", missionType, "similarity", bestScore)
	return best, nil
}

// ObserveCompleted runs pattern extraction for a completed mission and
// records a success outcome against the pattern it was launched from.
func (s *Service) ObserveCompleted(ctx context.Context, missionID string) error {
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if mission.Status != models.MissionCompleted && mission.Status != models.MissionArchived {
		return errs.Invalidf("mission %s is %s, not completed", missionID, mission.Status)
	}

	extracted, err := s.extract(ctx, mission)
	if err != nil {
		return err
	}

	appliedID := s.appliedPattern(ctx, missionID)
	if appliedID == "" || (extracted != nil && appliedID == extracted.PatternID) {
		// The extraction path already credited this pattern.
		return nil
	}
	_, err = s.RecordOutcome(ctx, RecordOutcomeRequest{
		PatternID: appliedID,
		MissionID: missionID,
		Outcome:   models.OutcomeSuccess,
		Duration:  missionDuration(mission),
	})
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

// ObserveFailed records a failure outcome against the pattern a failed
// mission was launched from, if any.
func (s *Service) ObserveFailed(ctx context.Context, missionID string) error {
	appliedID := s.appliedPattern(ctx, missionID)
	if appliedID == "" {
		return nil
	}
	mission, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	_, err = s.RecordOutcome(ctx, RecordOutcomeRequest{
		PatternID: appliedID,
		MissionID: missionID,
		Outcome:   models.OutcomeFailure,
		Duration:  missionDuration(mission),
	})
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

// extract derives the mission's canonical work-type sequence and either
// credits the existing pattern or learns a new one.
func (s *Service) extract(ctx context.Context, mission *models.Mission) (*models.Pattern, error) {
	sequence, err := s.completedSequence(ctx, mission.ID)
	if err != nil {
		return nil, err
	}
	if len(sequence) == 0 {
		return nil, nil
	}

	missionType := s.missionType(ctx, mission.ID)
	hash := SequenceHash(defaultPatternType, missionType, sequence)
	existing, err := s.store.GetPatternByHash(ctx, hash)
	switch {
	case err == nil:
		_, err := s.RecordOutcome(ctx, RecordOutcomeRequest{
			PatternID: existing.PatternID,
			MissionID: mission.ID,
			Outcome:   models.OutcomeSuccess,
			Duration:  missionDuration(mission),
		})
		return existing, err
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}

	now := models.Now()
	pattern := &models.Pattern{
		PatternID:     ids.New(ids.PrefixPattern),
		PatternHash:   hash,
		PatternType:   defaultPatternType,
		MissionType:   missionType,
		Template:      sequence,
		SuccessCount:  1,
		AvgDuration:   missionDuration(mission),
		Effectiveness: effectiveness(1, 0, 0),
		Status:        models.PatternActive,
		Version:       1,
		CreatedAt:     now,
		LastUsedAt:    &now,
	}
	if err := s.store.InsertPattern(ctx, pattern); err != nil {
		return nil, err
	}
	s.cache.Flush()

	s.emitSystem(ctx, "pattern_learned", map[string]any{
		"pattern_id":   pattern.PatternID,
		"mission_id":   mission.ID,
		"mission_type": missionType,
		"template":     sequence,
		"version":      pattern.Version,
	})
	s.logger.Info("Pattern learned",
		"pattern_id", pattern.PatternID, "mission_type", missionType, "steps", len(sequence))
	return pattern, nil
}

// completedSequence is the mission's completed work types in completion
// order, canonicalized.
func (s *Service) completedSequence(ctx context.Context, missionID string) ([]string, error) {
	sorties, err := s.store.ListSortiesByMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	var completed []models.WorkOrder
	for i := range sorties {
		orders, err := s.store.ListWorkOrdersBySortie(ctx, sorties[i].ID)
		if err != nil {
			return nil, err
		}
		for j := range orders {
			if orders[j].Status == models.WorkOrderCompleted {
				completed = append(completed, orders[j])
			}
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return finishedAt(&completed[i]).Before(finishedAt(&completed[j]))
	})
	workTypes := make([]string, len(completed))
	for i := range completed {
		workTypes[i] = completed[i].WorkType
	}
	return CanonicalSequence(workTypes), nil
}

func finishedAt(w *models.WorkOrder) time.Time {
	if w.CompletedAt != nil {
		return *w.CompletedAt
	}
	return w.UpdatedAt
}

// missionType reads the declared mission type from the creation event.
func (s *Service) missionType(ctx context.Context, missionID string) string {
	evs, err := s.events.QueryByStream(ctx, models.StreamMission, missionID, 0, 1)
	if err != nil || len(evs) == 0 {
		return defaultMissionType
	}
	var payload struct {
		MissionType string `json:"mission_type"`
	}
	if json.Unmarshal(evs[0].Data, &payload) != nil || payload.MissionType == "" {
		return defaultMissionType
	}
	return payload.MissionType
}

// appliedPattern returns the pattern id a mission was decomposed from, or "".
func (s *Service) appliedPattern(ctx context.Context, missionID string) string {
	applied, err := s.events.QueryByType(ctx, "pattern_applied", nil, 100)
	if err != nil {
		return ""
	}
	for i := range applied {
		var payload struct {
			PatternID string `json:"pattern_id"`
			MissionID string `json:"mission_id"`
		}
		if json.Unmarshal(applied[i].Data, &payload) == nil && payload.MissionID == missionID {
			return payload.PatternID
		}
	}
	return ""
}

// RecordOutcomeRequest records one application of a pattern.
type RecordOutcomeRequest struct {
	PatternID  string             `json:"pattern_id"`
	MissionID  string             `json:"mission_id"`
	Outcome    models.OutcomeKind `json:"outcome"`
	Duration   time.Duration      `json:"duration_ms"`
	Deviations []string           `json:"deviations,omitempty"`
	Lessons    string             `json:"lessons,omitempty"`
}

// RecordOutcome stores the outcome, refreshes the pattern's counters and
// effectiveness, and cuts a new version on a material drop. Partial outcomes
// count against the pattern.
func (s *Service) RecordOutcome(ctx context.Context, req RecordOutcomeRequest) (*models.PatternOutcome, error) {
	if !req.Outcome.Valid() {
		return nil, errs.InvalidField("outcome", "unknown outcome %q", req.Outcome)
	}
	pattern, err := s.store.GetPattern(ctx, req.PatternID)
	if err != nil {
		return nil, err
	}

	now := models.Now()
	outcome := &models.PatternOutcome{
		OutcomeID:  ids.New(ids.PrefixOutcome),
		PatternID:  pattern.PatternID,
		MissionID:  req.MissionID,
		Outcome:    req.Outcome,
		Duration:   req.Duration,
		Deviations: req.Deviations,
		Lessons:    req.Lessons,
		RecordedAt: now,
	}
	if err := s.store.InsertOutcome(ctx, outcome); err != nil {
		return nil, err
	}

	success, failure := pattern.SuccessCount, pattern.FailureCount
	if req.Outcome == models.OutcomeSuccess {
		success++
	} else {
		failure++
	}
	total := success + failure
	avg := pattern.AvgDuration + (req.Duration-pattern.AvgDuration)/time.Duration(total)

	var sinceSuccess time.Duration
	if req.Outcome != models.OutcomeSuccess && pattern.LastUsedAt != nil {
		sinceSuccess = now.Sub(*pattern.LastUsedAt)
	}
	eff := effectiveness(success, failure, sinceSuccess)
	if err := s.store.UpdatePatternStats(ctx, pattern.PatternID,
		success, failure, avg, eff, fmtNow(now)); err != nil {
		return nil, err
	}
	s.cache.Flush()

	if err := s.maybeBumpVersion(ctx, pattern, success, failure, avg); err != nil {
		s.logger.Warn("Version check failed", "pattern_id", pattern.PatternID, "error", err)
	}
	return outcome, nil
}

// maybeBumpVersion archives the pattern and cuts the next version when the
// recent outcome window shows a material drop against the lifetime rate.
func (s *Service) maybeBumpVersion(ctx context.Context, pattern *models.Pattern,
	success, failure int, avg time.Duration) error {
	if pattern.Status == models.PatternArchived {
		// Already superseded; late outcomes only adjust its counters.
		return nil
	}
	recent, err := s.store.ListOutcomes(ctx, pattern.PatternID, versionWindow)
	if err != nil {
		return err
	}
	if len(recent) < versionWindow {
		return nil
	}
	recentSuccess := 0
	for i := range recent {
		if recent[i].Outcome == models.OutcomeSuccess {
			recentSuccess++
		}
	}
	recentRate := float64(recentSuccess) / float64(len(recent))
	lifetimeRate := float64(success) / float64(success+failure)
	if lifetimeRate-recentRate < versionDropDelta {
		return nil
	}

	if err := s.store.SetPatternStatus(ctx, pattern.PatternID, models.PatternArchived); err != nil {
		return err
	}
	now := models.Now()
	next := &models.Pattern{
		PatternID:     ids.New(ids.PrefixPattern),
		PatternHash:   pattern.PatternHash,
		PatternType:   pattern.PatternType,
		MissionType:   pattern.MissionType,
		Template:      pattern.Template,
		SuccessCount:  recentSuccess,
		FailureCount:  len(recent) - recentSuccess,
		AvgDuration:   avg,
		Effectiveness: effectiveness(recentSuccess, len(recent)-recentSuccess, 0),
		Status:        models.PatternActive,
		Version:       pattern.Version + 1,
		CreatedAt:     now,
	}
	if err := s.store.InsertPattern(ctx, next); err != nil {
		return err
	}
	s.cache.Flush()

	s.emitSystem(ctx, "pattern_learned", map[string]any{
		"pattern_id":  next.PatternID,
		"supersedes":  pattern.PatternID,
		"version":     next.Version,
		"recent_rate": recentRate,
	})
	s.logger.Info("Pattern version bumped",
		"pattern_id", next.PatternID, "version", next.Version,
		"lifetime_rate", lifetimeRate, "recent_rate", recentRate)
	return nil
}

// CreateRequest describes a hand-written pattern.
type CreateRequest struct {
	PatternType string   `json:"pattern_type,omitempty"`
	MissionType string   `json:"mission_type,omitempty"`
	Template    []string `json:"template"`
}

// CreatePattern stores a manually curated pattern. It is seeded at the
// effectiveness floor so it is eligible for matching until outcomes arrive.
func (s *Service) CreatePattern(ctx context.Context, req CreateRequest) (*models.Pattern, error) {
	template := CanonicalSequence(req.Template)
	if len(template) == 0 {
		return nil, errs.InvalidField("template", "must contain at least one work type")
	}
	patternType := req.PatternType
	if patternType == "" {
		patternType = defaultPatternType
	}
	missionType := req.MissionType
	if missionType == "" {
		missionType = defaultMissionType
	}

	hash := SequenceHash(patternType, missionType, template)
	if existing, err := s.store.GetPatternByHash(ctx, hash); err == nil {
		return nil, errs.Conflictf("pattern already exists as %s", existing.PatternID)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	pattern := &models.Pattern{
		PatternID:     ids.New(ids.PrefixPattern),
		PatternHash:   hash,
		PatternType:   patternType,
		MissionType:   missionType,
		Template:      template,
		Effectiveness: effectivenessFloor,
		Status:        models.PatternApproved,
		Version:       1,
		CreatedAt:     models.Now(),
	}
	if err := s.store.InsertPattern(ctx, pattern); err != nil {
		return nil, err
	}
	s.cache.Flush()
	s.logger.Info("Pattern created", "pattern_id", pattern.PatternID, "mission_type", missionType)
	return pattern, nil
}

// GetPattern returns one pattern.
func (s *Service) GetPattern(ctx context.Context, id string) (*models.Pattern, error) {
	return s.store.GetPattern(ctx, id)
}

// ListPatterns returns patterns by optional mission type, pattern type, and
// status, best effectiveness first.
func (s *Service) ListPatterns(ctx context.Context, missionType, patternType string, status models.PatternStatus, limit int) ([]models.Pattern, error) {
	if status != "" {
		switch status {
		case models.PatternActive, models.PatternApproved, models.PatternArchived:
		default:
			return nil, errs.InvalidField("status", "unknown pattern status %q", status)
		}
	}
	return s.store.ListPatterns(ctx, missionType, patternType, status, limit)
}

// ListOutcomes returns a pattern's outcome history, newest first.
func (s *Service) ListOutcomes(ctx context.Context, patternID string, limit int) ([]models.PatternOutcome, error) {
	return s.store.ListOutcomes(ctx, patternID, limit)
}

// DeletePattern removes a pattern and its outcomes.
func (s *Service) DeletePattern(ctx context.Context, id string) error {
	if err := s.store.DeletePattern(ctx, id); err != nil {
		return err
	}
	s.cache.Flush()
	return nil
}

// ApprovePattern marks a pattern as curated.
func (s *Service) ApprovePattern(ctx context.Context, id string) error {
	if err := s.store.SetPatternStatus(ctx, id, models.PatternApproved); err != nil {
		return err
	}
	s.cache.Flush()
	return nil
}

// TypeMetrics aggregates one pattern type.
type TypeMetrics struct {
	Patterns         int     `json:"patterns"`
	AvgEffectiveness float64 `json:"avg_effectiveness"`
	Usage            int     `json:"usage"`
	// Trend is current effectiveness minus archived effectiveness; positive
	// means the type is improving across versions.
	Trend float64 `json:"trend"`
}

// Metrics summarizes the pattern store.
type Metrics struct {
	TotalPatterns    int                    `json:"total_patterns"`
	ActivePatterns   int                    `json:"active_patterns"`
	AvgEffectiveness float64                `json:"avg_effectiveness"`
	TotalUsage       int                    `json:"total_usage"`
	ByType           map[string]TypeMetrics `json:"by_type"`
}

// GetMetrics aggregates counts, effectiveness, and usage per pattern type.
func (s *Service) GetMetrics(ctx context.Context) (*Metrics, error) {
	patterns, err := s.store.ListPatterns(ctx, "", "", "", 0)
	if err != nil {
		return nil, err
	}
	m := &Metrics{ByType: make(map[string]TypeMetrics)}
	type acc struct {
		current, archived       int
		currentEff, archivedEff float64
		usage                   int
	}
	byType := make(map[string]*acc)
	var effSum float64
	for i := range patterns {
		p := &patterns[i]
		m.TotalPatterns++
		m.TotalUsage += p.SuccessCount + p.FailureCount
		effSum += p.Effectiveness
		a := byType[p.PatternType]
		if a == nil {
			a = &acc{}
			byType[p.PatternType] = a
		}
		a.usage += p.SuccessCount + p.FailureCount
		if p.Status == models.PatternArchived {
			a.archived++
			a.archivedEff += p.Effectiveness
		} else {
			m.ActivePatterns++
			a.current++
			a.currentEff += p.Effectiveness
		}
	}
	if m.TotalPatterns > 0 {
		m.AvgEffectiveness = effSum / float64(m.TotalPatterns)
	}
	for pt, a := range byType {
		tm := TypeMetrics{Patterns: a.current + a.archived, Usage: a.usage}
		if a.current > 0 {
			tm.AvgEffectiveness = a.currentEff / float64(a.current)
		}
		if a.current > 0 && a.archived > 0 {
			tm.Trend = a.currentEff/float64(a.current) - a.archivedEff/float64(a.archived)
		}
		m.ByType[pt] = tm
	}
	return m, nil
}

// effectiveness weighs lifetime successes by recency: successes decay with a
// 30-day half-life measured from the last successful use.
func effectiveness(success, failure int, sinceSuccess time.Duration) float64 {
	if success+failure == 0 {
		return 0
	}
	decay := math.Exp2(-sinceSuccess.Hours() / decayHalfLife.Hours())
	eff := float64(success) * decay / (float64(success+failure) + effectivenessEpsilon)
	return math.Min(math.Max(eff, 0), 1)
}

func missionDuration(m *models.Mission) time.Duration {
	if m.StartedAt == nil || m.CompletedAt == nil {
		return 0
	}
	return m.CompletedAt.Sub(*m.StartedAt)
}

func (s *Service) emitSystem(ctx context.Context, eventType string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("Encoding event data failed", "event_type", eventType, "error", err)
		return
	}
	if _, err := s.events.Append(ctx, events.AppendRequest{
		StreamType: models.StreamSystem,
		StreamID:   "fleet",
		EventType:  eventType,
		Data:       raw,
	}); err != nil {
		s.logger.Warn("Emitting event failed", "event_type", eventType, "error", err)
	}
}

func fmtNow(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
