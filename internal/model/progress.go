package model

import (
	"fmt"
	"math"
	"time"
)

type ObjectiveStatus struct {
	Objective  string  `json:"objective"`
	Achieved   bool    `json:"achieved"`
	Confidence int     `json:"confidence"`
	Evidence   *string `json:"evidence"`
}

type Progress struct {
	TotalObjectives    int                        `json:"total_objectives"`
	AchievedObjectives int                        `json:"achieved_objectives"`
	Percentage         int                        `json:"percentage"`
	Objectives         map[string]ObjectiveStatus `json:"objectives"`
	EvaluatedAt        time.Time                  `json:"evaluated_at"`
}

// ObjectiveKey is the stable key of the i-th (zero based) objective in Progress.Objectives.
func ObjectiveKey(i int) string {
	return fmt.Sprintf("objective_%d", i+1)
}

// NewProgress aggregates statuses; percentage is rounded to the nearest integer.
func NewProgress(statuses []ObjectiveStatus, evaluatedAt time.Time) Progress {
	p := Progress{
		TotalObjectives: len(statuses),
		Objectives:      make(map[string]ObjectiveStatus, len(statuses)),
		EvaluatedAt:     evaluatedAt,
	}
	for i, s := range statuses {
		if s.Achieved {
			p.AchievedObjectives++
		}
		p.Objectives[ObjectiveKey(i)] = s
	}
	if p.TotalObjectives > 0 {
		p.Percentage = int(math.Round(float64(p.AchievedObjectives) / float64(p.TotalObjectives) * 100))
	}
	return p
}

// AllAchieved reports whether every objective is achieved with at least minConfidence.
func (p *Progress) AllAchieved(minConfidence int) bool {
	if p == nil || p.TotalObjectives == 0 {
		return false
	}
	for _, s := range p.Objectives {
		if !s.Achieved || s.Confidence < minConfidence {
			return false
		}
	}
	return true
}
