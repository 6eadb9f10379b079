package analysis

import (
	"errors"
	"fmt"
)

// IssueType is one of the four hallucination categories.
type IssueType string

const (
	SelfContradiction  IssueType = "SELF_CONTRADICTION"
	Overconfidence     IssueType = "OVERCONFIDENCE"
	FabricatedCitation IssueType = "FABRICATED_CITATION"
	HardcodedFact      IssueType = "HARDCODED_FACT"
)

// IssueTypes lists the categories in report order.
var IssueTypes = []IssueType{SelfContradiction, Overconfidence, FabricatedCitation, HardcodedFact}

// FlaggedTurn is one assistant turn judged to exhibit an issue.
type FlaggedTurn struct {
	TurnIndex        int       `json:"turnIndex"`
	AssistantContent string    `json:"assistantContent"`
	IssueType        IssueType `json:"issueType"`
	Explanation      string    `json:"explanation"`
	Confidence       float64   `json:"confidence"`
	NumericalImpact  *string   `json:"numericalImpact"`
}

// IssueBreakdown counts flagged turns per category.
type IssueBreakdown struct {
	SelfContradiction  int `json:"SELF_CONTRADICTION"`
	Overconfidence     int `json:"OVERCONFIDENCE"`
	FabricatedCitation int `json:"FABRICATED_CITATION"`
	HardcodedFact      int `json:"HARDCODED_FACT"`
}

// Total is the sum of all counts.
func (b IssueBreakdown) Total() int {
	return b.SelfContradiction + b.Overconfidence + b.FabricatedCitation + b.HardcodedFact
}

// Count returns the count for t.
func (b IssueBreakdown) Count(t IssueType) int {
	switch t {
	case SelfContradiction:
		return b.SelfContradiction
	case Overconfidence:
		return b.Overconfidence
	case FabricatedCitation:
		return b.FabricatedCitation
	case HardcodedFact:
		return b.HardcodedFact
	}
	return 0
}

func (b *IssueBreakdown) add(t IssueType) {
	switch t {
	case SelfContradiction:
		b.SelfContradiction++
	case Overconfidence:
		b.Overconfidence++
	case FabricatedCitation:
		b.FabricatedCitation++
	case HardcodedFact:
		b.HardcodedFact++
	}
}

// Result is the report produced for one job. It is immutable once persisted.
type Result struct {
	Summary           string         `json:"summary"`
	HallucinationRate float64        `json:"hallucinationRate"`
	AverageConfidence float64        `json:"averageConfidence"`
	FlaggedTurns      []FlaggedTurn  `json:"flaggedTurns"`
	IssueBreakdown    IssueBreakdown `json:"issueBreakdown"`
}

// ErrInconsistentResult is returned by Check when a result breaks its invariants.
var ErrInconsistentResult = errors.New("inconsistent analysis result")

// Check verifies the invariants every persisted result must hold.
func (r Result) Check() error {
	if r.HallucinationRate < 0 || r.HallucinationRate > 1 {
		return fmt.Errorf("%w: hallucinationRate %v outside [0,1]", ErrInconsistentResult, r.HallucinationRate)
	}
	if r.AverageConfidence < 0 || r.AverageConfidence > 1 {
		return fmt.Errorf("%w: averageConfidence %v outside [0,1]", ErrInconsistentResult, r.AverageConfidence)
	}
	if r.IssueBreakdown.Total() != len(r.FlaggedTurns) {
		return fmt.Errorf("%w: issueBreakdown sums to %d but %d turns are flagged", ErrInconsistentResult, r.IssueBreakdown.Total(), len(r.FlaggedTurns))
	}
	if len(r.FlaggedTurns) == 0 && r.AverageConfidence != 0 {
		return fmt.Errorf("%w: averageConfidence must be 0 with no flagged turns", ErrInconsistentResult)
	}
	for i, ft := range r.FlaggedTurns {
		if ft.TurnIndex < 0 {
			return fmt.Errorf("%w: flaggedTurns[%d] has negative turnIndex", ErrInconsistentResult, i)
		}
		if i > 0 && ft.TurnIndex < r.FlaggedTurns[i-1].TurnIndex {
			return fmt.Errorf("%w: flaggedTurns not ordered by turnIndex", ErrInconsistentResult)
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
