package core

import (
	"context"
	"fmt"

	"stancore/pkg/domain"
)

const lineageIntegrityName = "lineage_integrity"

// LineageIntegrityRule checks recorded actions. Actions with non-positive ids
// or under unknown operations block the write; an action that closes a cycle
// is only warned about. In-place actions (source equals destination) are how
// stains and images are recorded and pass unchecked.
func LineageIntegrityRule() domain.Rule {
	return lineageIntegrityRule{}
}

type lineageIntegrityRule struct{}

func (lineageIntegrityRule) Name() string { return lineageIntegrityName }

func (lineageIntegrityRule) Evaluate(ctx context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	ancestoriser := NewAncestoriser(view)

	for _, change := range changes {
		if change.Entity != domain.EntityAction || change.Kind != domain.ChangeCreate {
			continue
		}
		action, ok := change.After.(domain.Action)
		if !ok {
			continue
		}
		src, dst := action.Source(), action.Destination()
		if !validNode(src) || !validNode(dst) {
			res.Violations = append(res.Violations, lineageViolation(domain.SeverityBlock, action.ID,
				fmt.Sprintf("action %d has invalid endpoints %s -> %s", action.ID, src, dst)))
			continue
		}
		if _, ok := view.FindOperation(action.OperationID); !ok {
			res.Violations = append(res.Violations, lineageViolation(domain.SeverityBlock, action.ID,
				fmt.Sprintf("action %d references missing operation %d", action.ID, action.OperationID)))
			continue
		}
		if src == dst {
			continue
		}

		posterity, err := ancestoriser.FindPosterity(ctx, []domain.SlotSample{dst})
		if err != nil {
			return domain.Result{}, err
		}
		if posterity.Contains(src) {
			res.Violations = append(res.Violations, lineageViolation(domain.SeverityWarn, action.ID,
				fmt.Sprintf("action %d closes a lineage cycle through %s", action.ID, src)))
		}
	}
	return res, nil
}

func validNode(n domain.SlotSample) bool {
	return n.SlotID > 0 && n.SampleID > 0
}

func lineageViolation(severity domain.Severity, actionID int, message string) domain.Violation {
	return domain.Violation{
		Rule:     lineageIntegrityName,
		Severity: severity,
		Message:  message,
		Entity:   domain.EntityAction,
		EntityID: actionID,
	}
}
