package orchestrator

import (
	"context"

	"github.com/flightline/fleet/pkg/models"
)

// Area is a declared slice of a mission. Generic decomposition creates one
// sortie per area.
type Area struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
	WorkTypes   []string `json:"work_types,omitempty"`
}

// PatternMatcher finds a learned decomposition template for a mission.
// Implemented by the learning subsystem; a nil match means fall through to
// generic decomposition.
type PatternMatcher interface {
	Match(ctx context.Context, missionType string, keywords []string) (*models.Pattern, error)
}

// sortiePlan is one planned sortie with its work orders. dependsOn chains
// work orders across sorties by plan index.
type sortiePlan struct {
	files     []string
	orders    []orderPlan
	dependsOn int // index of the predecessor sortie, -1 for none
}

type orderPlan struct {
	workType    string
	description string
}

// planFromPattern turns a learned template into a chain of single-order
// sorties, each depending on the one before it. Deterministic given the
// template.
func planFromPattern(p *models.Pattern, description string) []sortiePlan {
	plans := make([]sortiePlan, 0, len(p.Template))
	for i, workType := range p.Template {
		plans = append(plans, sortiePlan{
			orders:    []orderPlan{{workType: workType, description: description}},
			dependsOn: i - 1,
		})
	}
	return plans
}

// planFromAreas is the generic decomposition: one independent sortie per
// declared area, one work order per declared work type. An area without work
// types gets a single order named after the area; a mission without areas
// gets one sortie carrying the whole mission.
func planFromAreas(title, description string, areas []Area) []sortiePlan {
	if len(areas) == 0 {
		return []sortiePlan{{
			orders:    []orderPlan{{workType: title, description: description}},
			dependsOn: -1,
		}}
	}

	plans := make([]sortiePlan, 0, len(areas))
	for _, area := range areas {
		plan := sortiePlan{files: area.Files, dependsOn: -1}
		if len(area.WorkTypes) == 0 {
			plan.orders = []orderPlan{{workType: area.Name, description: area.Description}}
		} else {
			for _, wt := range area.WorkTypes {
				plan.orders = append(plan.orders, orderPlan{workType: wt, description: area.Description})
			}
		}
		plans = append(plans, plan)
	}
	return plans
}
