package service

import (
	"context"
	"strings"

	"github.com/unclebandit/smsleopard-crm/internal/condition"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
)

// RuleService is the write side of automation rules. Everything the engine
// would otherwise trip over at fire time is rejected here.
type RuleService struct {
	RuleRepo repository.RuleRepositoryInterface
}

// ValidateRule checks a rule and normalizes its conditions to the
// canonical tree in place.
func ValidateRule(rule *model.AutomationRule) error {
	const op = "validate rule"
	if strings.TrimSpace(rule.Name) == "" {
		return appErrors.Validation(op, "name is required")
	}
	if rule.TenantID == "" {
		return appErrors.Validation(op, "tenant is required")
	}
	if !rule.Module.Valid() {
		return appErrors.Validation(op, "unknown module %q", rule.Module)
	}
	if !rule.TriggerEvent.Valid() {
		return appErrors.Validation(op, "unknown trigger event %q", rule.TriggerEvent)
	}

	node, err := condition.ParseAndValidate(rule.Conditions)
	if err != nil {
		return appErrors.Validation(op, "conditions: %v", err)
	}
	normalized, err := condition.Marshal(node)
	if err != nil {
		return appErrors.Validation(op, "conditions: %v", err)
	}
	rule.Conditions = normalized

	for i, a := range rule.Actions {
		if err := validateAction(a); err != nil {
			return appErrors.Validation(op, "action %d: %v", i, err)
		}
	}
	return nil
}

func validateAction(a model.Action) error {
	const op = "validate action"
	switch a.Type {
	case model.ActionAssignOwner:
		if a.UserID <= 0 {
			return appErrors.Validation(op, "assign_owner needs user_id")
		}
	case model.ActionChangeStatus:
		if a.Value == "" {
			return appErrors.Validation(op, "change_status needs value")
		}
	case model.ActionCreateTask:
		if strings.TrimSpace(a.Title) == "" {
			return appErrors.Validation(op, "create_task needs title")
		}
		if a.DaysDue < 0 {
			return appErrors.Validation(op, "create_task days_due must not be negative")
		}
		switch a.Assignee {
		case "", model.AssigneeOwner, model.AssigneeCreator:
		case model.AssigneeUser:
			if a.UserID <= 0 {
				return appErrors.Validation(op, "create_task assignee user_id needs user_id")
			}
		default:
			return appErrors.Validation(op, "unknown assignee %q", a.Assignee)
		}
	case model.ActionSendMessage:
		if a.TemplateID <= 0 {
			return appErrors.Validation(op, "send_message needs template_id")
		}
		if a.Channel != "" && !a.Channel.Valid() {
			return appErrors.Validation(op, "unknown channel %q", a.Channel)
		}
	case model.ActionDelay:
		if a.Duration.Std() <= 0 {
			return appErrors.Validation(op, "delay needs a positive duration")
		}
	default:
		return appErrors.Validation(op, "unknown action type %q", a.Type)
	}
	return nil
}

// SaveRule validates and stores rule. New rules have ID 0.
func (s *RuleService) SaveRule(ctx context.Context, rule *model.AutomationRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	return s.RuleRepo.SaveRule(ctx, rule)
}

func (s *RuleService) GetRule(ctx context.Context, tenantID string, id int64) (*model.AutomationRule, error) {
	return s.RuleRepo.GetRule(ctx, tenantID, id)
}

func (s *RuleService) ListRules(ctx context.Context, tenantID string) ([]*model.AutomationRule, error) {
	return s.RuleRepo.ListRules(ctx, tenantID)
}

// SetActive toggles a rule without touching its definition.
func (s *RuleService) SetActive(ctx context.Context, tenantID string, id int64, active bool) (*model.AutomationRule, error) {
	rule, err := s.RuleRepo.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	rule.Active = active
	if err := s.RuleRepo.SaveRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *RuleService) ListExecutionLogs(ctx context.Context, tenantID string, ruleID int64) ([]*model.AutomationExecutionLog, error) {
	return s.RuleRepo.ListExecutionLogs(ctx, tenantID, ruleID)
}
