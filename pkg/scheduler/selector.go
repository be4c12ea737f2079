package scheduler

import (
	"sort"
	"strings"

	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/registry"
)

// Scoring weights: capability match, free capacity, work order priority.
const (
	weightCapability = 0.4
	weightLoad       = 0.3
	weightPriority   = 0.3
)

// stopwords are dropped from extracted keywords. Short connective words carry
// no signal for capability matching.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "in": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "with": true,
}

// ExtractKeywords lowercases the inputs, splits on non-alphanumeric runs, and
// drops stopwords and single-character tokens. The result is deduplicated.
func ExtractKeywords(parts ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range parts {
		fields := strings.FieldsFunc(strings.ToLower(part), func(r rune) bool {
			return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
		})
		for _, f := range fields {
			if len(f) < 2 || stopwords[f] || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// candidate is one eligible pilot with its computed score.
type candidate struct {
	pilot models.Pilot
	score float64
}

// rankPilots filters pilots eligible for the work order and orders them by
// score, breaking ties on heartbeat recency and then callsign. penalties maps
// callsign to a score deduction for this work order.
func rankPilots(pilots []models.Pilot, wo *models.WorkOrder, penalties map[string]float64) []candidate {
	keywords := ExtractKeywords(wo.WorkType, wo.Description)
	want := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		want[k] = true
	}

	var ranked []candidate
	for i := range pilots {
		p := &pilots[i]
		if p.Status == models.PilotOffline || p.Status == models.PilotError {
			continue
		}
		if !p.HasCapacity() {
			continue
		}
		if wo.PreferredAgentType != "" && p.AgentType != wo.PreferredAgentType {
			continue
		}
		matched := registry.CapabilityMatch(p, want)
		if len(keywords) > 0 && matched == 0 {
			continue
		}

		capRatio := 0.0
		if len(keywords) > 0 {
			capRatio = float64(matched) / float64(len(keywords))
		}
		score := weightCapability*capRatio +
			weightLoad*(1-p.WorkloadRatio()) +
			weightPriority*wo.Priority.Weight() -
			penalties[p.Callsign]
		ranked = append(ranked, candidate{pilot: *p, score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].pilot.LastHeartbeat.Equal(ranked[j].pilot.LastHeartbeat) {
			return ranked[i].pilot.LastHeartbeat.After(ranked[j].pilot.LastHeartbeat)
		}
		return ranked[i].pilot.Callsign < ranked[j].pilot.Callsign
	})
	return ranked
}
