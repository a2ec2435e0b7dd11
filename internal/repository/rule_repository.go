package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

type RuleRepositoryInterface interface {
	// ListActiveRules returns active rules ordered by (priority, id).
	ListActiveRules(ctx context.Context, tenantID string, module model.RecordKind, event model.TriggerEvent) ([]*model.AutomationRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*model.AutomationRule, error)
	GetRule(ctx context.Context, tenantID string, id int64) (*model.AutomationRule, error)
	SaveRule(ctx context.Context, rule *model.AutomationRule) error
	InsertExecutionLog(ctx context.Context, l *model.AutomationExecutionLog) error
	ListExecutionLogs(ctx context.Context, tenantID string, ruleID int64) ([]*model.AutomationExecutionLog, error)
}

// IdempotencyRepositoryInterface is the action idempotency ledger.
type IdempotencyRepositoryInterface interface {
	// Claim returns true when key was not claimed before.
	Claim(ctx context.Context, tenantID, key string) (bool, error)
	Release(ctx context.Context, tenantID, key string) error
}

type RuleRepository struct {
	DB *sql.DB
}

const ruleColumns = `id, tenant_id, name, module, trigger_event, priority, stop_on_match, active, conditions, actions, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*model.AutomationRule, error) {
	var rule model.AutomationRule
	var conditions, actions []byte
	var updated sql.NullTime
	if err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &rule.Module, &rule.TriggerEvent, &rule.Priority,
		&rule.StopOnMatch, &rule.Active, &conditions, &actions, &rule.CreatedAt, &updated); err != nil {
		return nil, err
	}
	if len(conditions) > 0 && string(conditions) != "null" {
		rule.Conditions = json.RawMessage(conditions)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, appErrors.Fatal("scan rule", "rule %d has unreadable actions: %v", rule.ID, err)
	}
	rule.UpdatedAt = timePtr(updated)
	return &rule, nil
}

func (r *RuleRepository) queryRules(ctx context.Context, query string, args ...any) ([]*model.AutomationRule, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*model.AutomationRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *RuleRepository) ListActiveRules(ctx context.Context, tenantID string, module model.RecordKind, event model.TriggerEvent) ([]*model.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules
        WHERE tenant_id=$1 AND module=$2 AND trigger_event=$3 AND active
        ORDER BY priority ASC, id ASC`
	return r.queryRules(ctx, query, tenantID, module, event)
}

func (r *RuleRepository) ListRules(ctx context.Context, tenantID string) ([]*model.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE tenant_id=$1 ORDER BY priority ASC, id ASC`
	return r.queryRules(ctx, query, tenantID)
}

func (r *RuleRepository) GetRule(ctx context.Context, tenantID string, id int64) (*model.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE tenant_id=$1 AND id=$2`
	rule, err := scanRule(r.DB.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("rule", id)
	}
	return rule, err
}

// SaveRule inserts when rule.ID is zero, otherwise overwrites the row.
func (r *RuleRepository) SaveRule(ctx context.Context, rule *model.AutomationRule) error {
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return err
	}
	var conditions interface{}
	if len(rule.Conditions) > 0 {
		conditions = string(rule.Conditions)
	}

	if rule.ID == 0 {
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = time.Now().UTC()
		}
		query := `
            INSERT INTO automation_rules (tenant_id, name, module, trigger_event, priority, stop_on_match, active, conditions, actions, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
            RETURNING id
        `
		return r.DB.QueryRowContext(ctx, query, rule.TenantID, rule.Name, rule.Module, rule.TriggerEvent, rule.Priority,
			rule.StopOnMatch, rule.Active, conditions, string(actions), rule.CreatedAt).Scan(&rule.ID)
	}

	now := time.Now().UTC()
	rule.UpdatedAt = &now
	query := `
        UPDATE automation_rules
        SET name=$3, module=$4, trigger_event=$5, priority=$6, stop_on_match=$7, active=$8, conditions=$9, actions=$10, updated_at=$11
        WHERE tenant_id=$1 AND id=$2
    `
	res, err := r.DB.ExecContext(ctx, query, rule.TenantID, rule.ID, rule.Name, rule.Module, rule.TriggerEvent, rule.Priority,
		rule.StopOnMatch, rule.Active, conditions, string(actions), now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NotFound("rule", rule.ID)
	}
	return nil
}

func (r *RuleRepository) InsertExecutionLog(ctx context.Context, l *model.AutomationExecutionLog) error {
	query := `
        INSERT INTO automation_execution_logs (tenant_id, rule_id, record_kind, record_id, fire_id, action_index, status, message, fired_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, l.TenantID, l.RuleID, l.RecordKind, l.RecordID, l.FireID,
		l.ActionIndex, l.Status, l.Message, l.FiredAt).Scan(&l.ID)
}

func (r *RuleRepository) ListExecutionLogs(ctx context.Context, tenantID string, ruleID int64) ([]*model.AutomationExecutionLog, error) {
	query := `
        SELECT id, tenant_id, rule_id, record_kind, record_id, fire_id, action_index, status, message, fired_at
        FROM automation_execution_logs WHERE tenant_id=$1 AND rule_id=$2 ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*model.AutomationExecutionLog{}
	for rows.Next() {
		l := &model.AutomationExecutionLog{}
		if err := rows.Scan(&l.ID, &l.TenantID, &l.RuleID, &l.RecordKind, &l.RecordID, &l.FireID,
			&l.ActionIndex, &l.Status, &l.Message, &l.FiredAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type IdempotencyRepository struct {
	DB *sql.DB
}

func (r *IdempotencyRepository) Claim(ctx context.Context, tenantID, key string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO idempotency_keys (tenant_id, key) VALUES ($1, $2) ON CONFLICT DO NOTHING`, tenantID, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *IdempotencyRepository) Release(ctx context.Context, tenantID, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE tenant_id=$1 AND key=$2`, tenantID, key)
	return err
}

var (
	_ RuleRepositoryInterface        = (*RuleRepository)(nil)
	_ IdempotencyRepositoryInterface = (*IdempotencyRepository)(nil)
)
