package rules

import "github.com/linnemanlabs/warden/internal/exception"

// TemplateKey names one of the canonical starting-point rules operators use
// to bootstrap a new tenant's ruleset. Templates are plain rules; evaluation
// does not treat them specially.
type TemplateKey string

const (
	TemplateAssignByType        TemplateKey = "assign_by_type"
	TemplateEscalateOnSLARisk   TemplateKey = "escalate_on_sla_risk"
	TemplateCloseSourceResolved TemplateKey = "close_on_source_resolved"
)

// TemplateParams customize a template before it is saved.
type TemplateParams struct {
	ClientID string
	TypeKey  exception.TypeKey // assign_by_type only
	Role     string            // assignment / escalation target
}

// BuildFromTemplate returns a ready-to-save rule for the given template, or
// nil for an unknown key. The caller still validates and persists it.
func BuildFromTemplate(key TemplateKey, p TemplateParams) *Rule {
	switch key {
	case TemplateAssignByType:
		role := p.Role
		if role == "" {
			role = "ops_analyst"
		}
		return &Rule{
			ClientID:    p.ClientID,
			Name:        "Assign " + string(p.TypeKey) + " exceptions",
			Description: "Routes new exceptions of one type to the owning role.",
			RuleType:    RuleAssign,
			Enabled:     true,
			Priority:    40,
			Conditions: Conditions{
				TypeKey:  p.TypeKey,
				StatusIn: []exception.Status{exception.StatusOpen},
			},
			Actions: Actions{AssignToRole: role},
		}

	case TemplateEscalateOnSLARisk:
		atRisk := true
		role := p.Role
		if role == "" {
			role = "ops_manager"
		}
		return &Rule{
			ClientID:    p.ClientID,
			Name:        "Escalate SLA-at-risk exceptions",
			Description: "Raises severity to critical when the SLA warning window is entered.",
			RuleType:    RuleEscalate,
			Enabled:     true,
			Priority:    20,
			Conditions: Conditions{
				SLAAtRisk: &atRisk,
				StatusIn: []exception.Status{
					exception.StatusOpen, exception.StatusTriage, exception.StatusInProgress,
				},
			},
			Actions: Actions{
				SetSeverity:  exception.SeverityCritical,
				AssignToRole: role,
			},
		}

	case TemplateCloseSourceResolved:
		resolved := true
		return &Rule{
			ClientID:    p.ClientID,
			Name:        "Close exceptions with resolved source",
			Description: "Closes records once the upstream cause is marked fixed.",
			RuleType:    RuleClose,
			Enabled:     true,
			Priority:    60,
			Conditions:  Conditions{SourceResolved: &resolved},
			Actions:     Actions{SetStatus: exception.StatusClosed},
		}
	}
	return nil
}
