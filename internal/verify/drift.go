package verify

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// Baseline and current-window geometry for drift detection.
const (
	baselineDays       = 7
	currentWindow      = 120 * time.Minute
	minBaselineActions = 10
)

// Signal weights. They sum to 1.0.
const (
	weightToolDistribution = 0.30
	weightRiskProfile      = 0.25
	weightOperatingHours   = 0.15
	weightActionVelocity   = 0.15
	weightScopeExpansion   = 0.15
)

// DriftSignal is one component of the drift score.
type DriftSignal struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// DriftReport is the aggregate drift outcome for one agent.
type DriftReport struct {
	Score   float64       `json:"score"`
	Signals []DriftSignal `json:"signals"`
}

// DriftDetector measures how far an agent's current behaviour deviates
// from its own 7-day baseline. The current 120-minute window is excluded
// from the baseline so fresh behaviour cannot normalise itself.
type DriftDetector struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDriftDetector creates a drift detector.
func NewDriftDetector(st store.Store, logger *slog.Logger) *DriftDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriftDetector{
		store:  st,
		logger: logger.With("component", "verify.DriftDetector"),
		now:    time.Now,
	}
}

// Detect computes the drift score for the agent given the tool of the
// action under verification. A thin baseline yields a zero score with a
// single insufficient-baseline signal.
func (d *DriftDetector) Detect(agentID, currentTool string) (*DriftReport, error) {
	now := d.now().UTC()
	windowStart := now.Add(-currentWindow)
	baselineStart := now.AddDate(0, 0, -baselineDays)

	baseline, err := d.store.AgentActionsInRange(agentID, baselineStart, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to load drift baseline: %w", err)
	}
	if len(baseline) < minBaselineActions {
		return &DriftReport{
			Score: 0,
			Signals: []DriftSignal{{
				Name:   "insufficient-baseline",
				Score:  0,
				Weight: 1,
				Detail: fmt.Sprintf("baseline has %d actions, need %d", len(baseline), minBaselineActions),
			}},
		}, nil
	}

	current, err := d.store.AgentActionsInRange(agentID, windowStart, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load drift current window: %w", err)
	}

	base := aggregate(baseline)
	cur := aggregate(current)

	signals := []DriftSignal{
		toolDistributionSignal(base, cur),
		riskProfileSignal(base, cur),
		operatingHoursSignal(baseline, now),
		actionVelocitySignal(base, cur, baselineStart, windowStart, now),
		scopeExpansionSignal(base, currentTool),
	}

	score := 0.0
	for _, s := range signals {
		score += s.Score * s.Weight
	}
	return &DriftReport{Score: clamp01(score), Signals: signals}, nil
}

// windowStats is an aggregate over one slice of the audit log.
type windowStats struct {
	total     int
	byTool    map[string]*store.ToolStat
	riskSum   int
	blocks    int
}

func aggregate(actions []*store.ActionRecord) windowStats {
	w := windowStats{byTool: make(map[string]*store.ToolStat)}
	for _, a := range actions {
		w.total++
		w.riskSum += a.RiskScore
		st, ok := w.byTool[a.Tool]
		if !ok {
			st = &store.ToolStat{Tool: a.Tool}
			w.byTool[a.Tool] = st
		}
		st.Count++
		st.AvgRisk += float64(a.RiskScore)
		if a.Decision == store.DecisionBlock {
			w.blocks++
			st.BlockCount++
		}
	}
	for _, st := range w.byTool {
		st.AvgRisk /= float64(st.Count)
	}
	return w
}

func (w windowStats) avgRisk() float64 {
	if w.total == 0 {
		return 0
	}
	return float64(w.riskSum) / float64(w.total)
}

func (w windowStats) blockRate() float64 {
	if w.total == 0 {
		return 0
	}
	return float64(w.blocks) / float64(w.total)
}

func (w windowStats) toolFreq(tool string) float64 {
	if w.total == 0 {
		return 0
	}
	if st, ok := w.byTool[tool]; ok {
		return float64(st.Count) / float64(w.total)
	}
	return 0
}

// toolDistributionSignal sums absolute per-tool frequency shifts, halved,
// plus 0.2 for every tool that is new to the baseline.
func toolDistributionSignal(base, cur windowStats) DriftSignal {
	s := DriftSignal{Name: "tool-distribution", Weight: weightToolDistribution}
	if cur.total == 0 {
		s.Detail = "no actions in current window"
		return s
	}

	tools := make(map[string]bool)
	for t := range base.byTool {
		tools[t] = true
	}
	for t := range cur.byTool {
		tools[t] = true
	}

	shift := 0.0
	newTools := 0
	for t := range tools {
		shift += math.Abs(base.toolFreq(t) - cur.toolFreq(t))
		if _, inBase := base.byTool[t]; !inBase {
			if _, inCur := cur.byTool[t]; inCur {
				newTools++
			}
		}
	}

	s.Score = clamp01(shift/2 + 0.2*float64(newTools))
	s.Detail = fmt.Sprintf("frequency shift %.2f, %d new tools", shift, newTools)
	return s
}

// riskProfileSignal compares average risk and block rate against baseline.
func riskProfileSignal(base, cur windowStats) DriftSignal {
	s := DriftSignal{Name: "risk-profile", Weight: weightRiskProfile}
	if cur.total == 0 {
		s.Detail = "no actions in current window"
		return s
	}

	riskShift := math.Abs(base.avgRisk()-cur.avgRisk()) / 30
	blockShift := math.Abs(base.blockRate()-cur.blockRate()) / 0.20
	s.Score = clamp01(math.Max(riskShift, blockShift))
	s.Detail = fmt.Sprintf("avg risk %.1f vs %.1f, block rate %.2f vs %.2f",
		base.avgRisk(), cur.avgRisk(), base.blockRate(), cur.blockRate())
	return s
}

// operatingHoursSignal checks how often the agent historically acted in
// the current hour of day.
func operatingHoursSignal(baseline []*store.ActionRecord, now time.Time) DriftSignal {
	s := DriftSignal{Name: "operating-hours", Weight: weightOperatingHours}
	hour := now.Hour()
	inHour := 0
	for _, a := range baseline {
		if a.CreatedAt.UTC().Hour() == hour {
			inHour++
		}
	}
	freq := float64(inHour) / float64(len(baseline))
	switch {
	case freq < 0.02:
		s.Score = 0.8
	case freq < 0.05:
		s.Score = 0.4
	}
	s.Detail = fmt.Sprintf("hour %02d covers %.1f%% of baseline", hour, freq*100)
	return s
}

// actionVelocitySignal compares actions-per-hour in the current window to
// the baseline rate.
func actionVelocitySignal(base, cur windowStats, baselineStart, windowStart, now time.Time) DriftSignal {
	s := DriftSignal{Name: "action-velocity", Weight: weightActionVelocity}

	baselineHours := windowStart.Sub(baselineStart).Hours()
	currentHours := now.Sub(windowStart).Hours()
	if baselineHours <= 0 || currentHours <= 0 || base.total == 0 {
		return s
	}

	baseRate := float64(base.total) / baselineHours
	curRate := float64(cur.total) / currentHours
	if baseRate == 0 {
		return s
	}

	ratio := curRate / baseRate
	switch {
	case ratio > 5:
		s.Score = 0.9
	case ratio > 3:
		s.Score = 0.6
	case ratio > 2:
		s.Score = 0.3
	}
	s.Detail = fmt.Sprintf("%.1f actions/h vs baseline %.1f/h", curRate, baseRate)
	return s
}

// scopeExpansionSignal fires when the verified tool never appears in the
// baseline at all.
func scopeExpansionSignal(base windowStats, currentTool string) DriftSignal {
	s := DriftSignal{Name: "scope-expansion", Weight: weightScopeExpansion}
	if currentTool == "" {
		return s
	}
	if _, ok := base.byTool[currentTool]; !ok {
		s.Score = 0.7
		s.Detail = fmt.Sprintf("tool %q unseen in baseline", currentTool)
	} else {
		s.Detail = fmt.Sprintf("tool %q present in baseline", currentTool)
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
