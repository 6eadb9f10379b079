package analysis

import (
	"math"
	"sort"

	"hallucheck-backend/internal/conversation"
)

const tolerance = 0.005

// Discrepancy records where the oracle's own numbers disagree with its flagged turns.
type Discrepancy struct {
	Field    string
	Reported float64
	Computed float64
}

// Reconcile makes res internally consistent with conv before it is stored:
// it drops flags that do not point at an assistant turn or repeat an
// (index, issueType) pair, orders flags by turnIndex, fills missing assistant
// content, and recomputes issueBreakdown, averageConfidence and
// hallucinationRate. Every value it had to change is returned as a Discrepancy.
func Reconcile(res Result, conv conversation.Conversation) (Result, []Discrepancy) {
	var diffs []Discrepancy

	type key struct {
		index int
		issue IssueType
	}
	seen := make(map[key]struct{}, len(res.FlaggedTurns))
	kept := make([]FlaggedTurn, 0, len(res.FlaggedTurns))
	for _, ft := range res.FlaggedTurns {
		if !conv.IsAssistantTurn(ft.TurnIndex) {
			continue
		}
		k := key{ft.TurnIndex, ft.IssueType}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if ft.AssistantContent == "" {
			ft.AssistantContent = conv[ft.TurnIndex].Content
		}
		ft.Confidence = clamp01(ft.Confidence)
		kept = append(kept, ft)
	}
	if len(kept) != len(res.FlaggedTurns) {
		diffs = append(diffs, Discrepancy{Field: "flaggedTurns", Reported: float64(len(res.FlaggedTurns)), Computed: float64(len(kept))})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].TurnIndex < kept[j].TurnIndex })

	var breakdown IssueBreakdown
	distinct := make(map[int]struct{}, len(kept))
	var confSum float64
	for _, ft := range kept {
		breakdown.add(ft.IssueType)
		distinct[ft.TurnIndex] = struct{}{}
		confSum += ft.Confidence
	}
	for _, t := range IssueTypes {
		if reported, computed := res.IssueBreakdown.Count(t), breakdown.Count(t); reported != computed {
			diffs = append(diffs, Discrepancy{Field: "issueBreakdown." + string(t), Reported: float64(reported), Computed: float64(computed)})
		}
	}

	avg := 0.0
	if len(kept) > 0 {
		avg = clamp01(confSum / float64(len(kept)))
	}
	if math.Abs(avg-res.AverageConfidence) > tolerance {
		diffs = append(diffs, Discrepancy{Field: "averageConfidence", Reported: res.AverageConfidence, Computed: avg})
	}

	rate := 0.0
	if assistant := conv.AssistantTurns(); assistant > 0 {
		rate = clamp01(float64(len(distinct)) / float64(assistant))
	}
	if math.Abs(rate-res.HallucinationRate) > tolerance {
		diffs = append(diffs, Discrepancy{Field: "hallucinationRate", Reported: res.HallucinationRate, Computed: rate})
	}

	return Result{
		Summary:           res.Summary,
		HallucinationRate: rate,
		AverageConfidence: avg,
		FlaggedTurns:      kept,
		IssueBreakdown:    breakdown,
	}, diffs
}
