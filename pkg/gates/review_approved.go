package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeline/phasor/pkg/models"
)

// ReviewVerdict is the structured artifact a review phase must produce.
type ReviewVerdict struct {
	Verdict  string   `json:"verdict"` // approved, approved_with_comments, rejected
	Comments []string `json:"comments,omitempty"`
}

// ReviewApprovedGate reads the reviewer's verdict artifact. An approval with
// comments passes with warnings; anything else than an approval fails.
type ReviewApprovedGate struct {
	verdictFile string
}

// NewReviewApprovedGate builds a review_approved gate. The "verdict_file"
// param overrides the default artifact name.
func NewReviewApprovedGate(params map[string]any) (Gate, error) {
	return &ReviewApprovedGate{verdictFile: stringParam(params, "verdict_file", "review.json")}, nil
}

func (g *ReviewApprovedGate) Evaluate(_ context.Context, workspace string, _ models.PhaseSpec) (models.GateResult, error) {
	result := models.GateResult{GateType: models.GateTypeReviewApproved, Outcome: models.GateOutcomeFailed}

	data, err := os.ReadFile(filepath.Join(workspace, g.verdictFile))
	if err != nil {
		result.Details = append(result.Details, fmt.Sprintf("missing review verdict: %s", g.verdictFile))

		return result, nil
	}

	var verdict ReviewVerdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		result.Details = append(result.Details, fmt.Sprintf("unreadable review verdict: %v", err))

		return result, nil
	}

	switch verdict.Verdict {
	case "approved":
		result.Outcome = models.GateOutcomePassed
	case "approved_with_comments":
		result.Outcome = models.GateOutcomeWarnings
		result.Details = append(result.Details, verdict.Comments...)
	case "rejected":
		result.Details = append(result.Details, "review rejected")
		result.Details = append(result.Details, verdict.Comments...)
	default:
		result.Details = append(result.Details, fmt.Sprintf("unknown review verdict: %q", verdict.Verdict))
	}

	return result, nil
}
