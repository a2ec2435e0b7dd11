package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func cloneRule(r *model.AutomationRule) *model.AutomationRule {
	cp := *r
	cp.Actions = append([]model.Action(nil), r.Actions...)
	if r.Conditions != nil {
		cp.Conditions = append(json.RawMessage(nil), r.Conditions...)
	}
	return &cp
}

func (s *Store) ListActiveRules(ctx context.Context, tenantID string, module model.RecordKind, event model.TriggerEvent) ([]*model.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.AutomationRule{}
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.Module == module && r.TriggerEvent == event && r.Active {
			out = append(out, cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (s *Store) ListRules(ctx context.Context, tenantID string) ([]*model.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.AutomationRule{}
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			out = append(out, cloneRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []*model.AutomationRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func (s *Store) GetRule(ctx context.Context, tenantID string, id int64) (*model.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.TenantID != tenantID {
		return nil, appErrors.NotFound("rule", id)
	}
	return cloneRule(r), nil
}

func (s *Store) SaveRule(ctx context.Context, rule *model.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == 0 {
		rule.ID = s.nextID()
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = time.Now().UTC()
		}
	} else {
		existing, ok := s.rules[rule.ID]
		if !ok || existing.TenantID != rule.TenantID {
			return appErrors.NotFound("rule", rule.ID)
		}
		now := time.Now().UTC()
		rule.UpdatedAt = &now
	}
	s.rules[rule.ID] = cloneRule(rule)
	s.touchTenant(rule.TenantID)
	return nil
}

func (s *Store) InsertExecutionLog(ctx context.Context, l *model.AutomationExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextID()
	cp := *l
	s.execLogs = append(s.execLogs, &cp)
	return nil
}

func (s *Store) ListExecutionLogs(ctx context.Context, tenantID string, ruleID int64) ([]*model.AutomationExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.AutomationExecutionLog{}
	for _, l := range s.execLogs {
		if l.TenantID == tenantID && l.RuleID == ruleID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ExecutionLogs returns every log row for a tenant in insertion order.
func (s *Store) ExecutionLogs(tenantID string) []*model.AutomationExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.AutomationExecutionLog{}
	for _, l := range s.execLogs {
		if l.TenantID == tenantID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Store) Claim(ctx context.Context, tenantID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantID + "\x00" + key
	if s.idempotency[k] {
		return false, nil
	}
	s.idempotency[k] = true
	return true, nil
}

func (s *Store) Release(ctx context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, tenantID+"\x00"+key)
	return nil
}
