package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/condition"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
	"github.com/unclebandit/smsleopard-crm/internal/template"
	"github.com/unclebandit/smsleopard-crm/internal/trigger"
)

// Dispatcher sends a templated message to one record. CampaignService
// implements it with a one-recipient campaign.
type Dispatcher interface {
	DispatchToRecord(ctx context.Context, tenantID, sourceKey string, ch model.Channel, templateID int64, rec *model.Record) error
}

// RuleEngine evaluates automation rules against fired events.
//
// Firings for the same (tenant, record) run one at a time in arrival
// order. Every action is tagged with (rule, record, fire, index) in the
// idempotency ledger so a redelivered fire does not repeat effects.
type RuleEngine struct {
	RuleRepo   repository.RuleRepositoryInterface
	RecordRepo repository.RecordRepositoryInterface
	Keys       repository.IdempotencyRepositoryInterface
	Dispatcher Dispatcher
	Queue      queue.Queue
	Clock      clock.Clock

	once  sync.Once
	lanes *queue.Lanes
}

func (e *RuleEngine) lane(key string, fn func()) {
	e.once.Do(func() { e.lanes = queue.NewLanes() })
	e.lanes.Do(key, fn)
}

func (e *RuleEngine) now() time.Time {
	if e.Clock == nil {
		return clock.Real().Now()
	}
	return e.Clock.Now()
}

// Subscriber adapts the engine to the trigger bus.
func (e *RuleEngine) Subscriber() trigger.Subscriber {
	return func(ctx context.Context, ev trigger.Event) error {
		return e.Fire(ctx, ev.TenantID, ev.Name, ev.Record)
	}
}

// Fire evaluates rules for event under a fresh fire id.
func (e *RuleEngine) Fire(ctx context.Context, tenantID string, event model.TriggerEvent, rec *model.Record) error {
	return e.FireWithID(ctx, tenantID, event, rec, uuid.NewString())
}

// FireWithID evaluates rules for event. Redelivering the same fireID
// skips actions that already ran. Only engine failures are returned;
// action failures are recorded in the execution log.
func (e *RuleEngine) FireWithID(ctx context.Context, tenantID string, event model.TriggerEvent, rec *model.Record, fireID string) error {
	const op = "fire rules"
	if !event.Valid() {
		return appErrors.Validation(op, "unknown trigger event %q", event)
	}
	if rec == nil || !rec.Kind.Valid() {
		return appErrors.Validation(op, "event %s needs a record", event)
	}
	if rec.TenantID != tenantID {
		return appErrors.Terminal(op, fmt.Errorf("record %s/%d does not belong to tenant %s", rec.Kind, rec.ID, tenantID))
	}

	var err error
	e.lane(queue.Key(tenantID, rec.Kind, rec.ID), func() {
		err = e.fire(ctx, tenantID, event, rec, fireID)
	})
	return err
}

func (e *RuleEngine) fire(ctx context.Context, tenantID string, event model.TriggerEvent, rec *model.Record, fireID string) (err error) {
	ctx, span := startSpan(ctx, "rule.fire", tenantID,
		attribute.String("rule.event", string(event)),
		attribute.String("record.kind", string(rec.Kind)),
		attribute.Int64("record.id", rec.ID),
		attribute.String("rule.fire_id", fireID),
	)
	defer func() { endSpan(span, err) }()

	rules, err := e.RuleRepo.ListActiveRules(ctx, tenantID, rec.Kind, event)
	if err != nil {
		return appErrors.Transient("load rules", err)
	}

	snapshot := rec.Clone()
	working := rec.Clone()
	for _, rule := range rules {
		node, perr := condition.Parse(rule.Conditions)
		if perr != nil {
			if err := e.logExec(ctx, rule, rec, fireID, -1, model.ExecSkipped, "invalid conditions: "+perr.Error()); err != nil {
				return err
			}
			continue
		}
		if !condition.Evaluate(node, snapshot) {
			if err := e.logExec(ctx, rule, rec, fireID, -1, model.ExecSkipped, "conditions not met"); err != nil {
				return err
			}
			continue
		}

		if len(rule.Actions) == 0 {
			if err := e.logExec(ctx, rule, rec, fireID, -1, model.ExecMatched, ""); err != nil {
				return err
			}
		} else if _, err := e.runActions(ctx, rule, working, fireID, 0, rule.Actions); err != nil {
			return err
		}

		if rule.StopOnMatch {
			log.Printf("✅ tenant=%s rule=%d matched with stop_on_match, skipping remaining rules", tenantID, rule.ID)
			break
		}
	}
	return nil
}

// runActions executes actions[start:] in order. Indexes are positions in
// the rule's declared action list. It reports whether any action failed
// transiently; the returned error is reserved for engine failures.
func (e *RuleEngine) runActions(ctx context.Context, rule *model.AutomationRule, working *model.Record, fireID string, start int, actions []model.Action) (bool, error) {
	transient := false
	for i := start; i < len(actions); i++ {
		action := actions[i]
		key := queue.Key("rule", rule.ID, working.Kind, working.ID, fireID, i)

		claimed, err := e.Keys.Claim(ctx, rule.TenantID, key)
		if err != nil {
			return transient, appErrors.Transient("claim action", err)
		}
		if !claimed {
			if action.Type == model.ActionDelay {
				return transient, nil
			}
			continue
		}

		err = e.execute(ctx, rule, working, fireID, key, i, actions)
		if err != nil {
			if appErrors.IsTransient(err) {
				transient = true
				if rerr := e.Keys.Release(ctx, rule.TenantID, key); rerr != nil {
					log.Printf("⚠️ tenant=%s release action key %s: %v", rule.TenantID, key, rerr)
				}
			}
			log.Printf("⚠️ tenant=%s rule=%d action %d (%s) failed: %v", rule.TenantID, rule.ID, i, action.Type, err)
			if lerr := e.logExec(ctx, rule, working, fireID, i, model.ExecActionFailed, err.Error()); lerr != nil {
				return transient, lerr
			}
			if action.AbortOnFail || action.Type == model.ActionDelay {
				return transient, nil
			}
			continue
		}

		if lerr := e.logExec(ctx, rule, working, fireID, i, model.ExecActionOK, ""); lerr != nil {
			return transient, lerr
		}
		if action.Type == model.ActionDelay {
			// Everything after the delay belongs to the deferred job.
			return transient, nil
		}
	}
	return transient, nil
}

func (e *RuleEngine) execute(ctx context.Context, rule *model.AutomationRule, working *model.Record, fireID, key string, idx int, actions []model.Action) error {
	action := actions[idx]
	tenantID := rule.TenantID
	switch action.Type {
	case model.ActionAssignOwner:
		if action.UserID <= 0 {
			return appErrors.Terminal("assign_owner", fmt.Errorf("user_id is required"))
		}
		if err := e.updateRecord(ctx, working, map[string]any{model.FieldOwner: action.UserID}); err != nil {
			return err
		}
		working.Fields[model.FieldOwner] = action.UserID
		working.Fields[model.FieldOwnerID] = action.UserID
		return nil

	case model.ActionChangeStatus:
		if action.Value == "" {
			return appErrors.Terminal("change_status", fmt.Errorf("value is required"))
		}
		if err := e.updateRecord(ctx, working, map[string]any{model.FieldStatus: action.Value}); err != nil {
			return err
		}
		working.Fields[model.FieldStatus] = action.Value
		return nil

	case model.ActionCreateTask:
		assignee, err := taskAssignee(action, working)
		if err != nil {
			return err
		}
		task := &model.Task{
			TenantID:   tenantID,
			Title:      template.RenderRecord(action.Title, working),
			RecordKind: working.Kind,
			RecordID:   working.ID,
			AssigneeID: assignee,
			DueAt:      e.now().Add(time.Duration(action.DaysDue) * 24 * time.Hour),
			SourceKey:  key,
			CreatedAt:  e.now(),
		}
		if _, err := e.RecordRepo.CreateTask(ctx, task); err != nil {
			return appErrors.Transient("create_task", err)
		}
		return nil

	case model.ActionSendMessage:
		if e.Dispatcher == nil {
			return appErrors.Terminal("send_message", fmt.Errorf("no dispatcher configured"))
		}
		return e.Dispatcher.DispatchToRecord(ctx, tenantID, key, action.Channel, action.TemplateID, working)

	case model.ActionDelay:
		if e.Queue == nil {
			return appErrors.Terminal("delay", fmt.Errorf("no job queue configured"))
		}
		remaining, err := json.Marshal(actions)
		if err != nil {
			return appErrors.Terminal("delay", err)
		}
		job := queue.Job{
			Kind:     queue.KindRuleDeferredAction,
			TenantID: tenantID,
			ObjectID: working.ID,
			Metadata: map[string]string{
				"rule_id":     strconv.FormatInt(rule.ID, 10),
				"rule_name":   rule.Name,
				"record_kind": string(working.Kind),
				"fire_id":     fireID,
				"start":       strconv.Itoa(idx + 1),
				"actions":     string(remaining),
			},
		}
		when := e.now().Add(action.Duration.Std())
		if err := e.Queue.SubmitOnce(ctx, key, when, job); err != nil {
			return appErrors.Transient("delay", err)
		}
		return nil
	}
	return appErrors.Terminal("execute action", fmt.Errorf("unknown action type %q", action.Type))
}

func (e *RuleEngine) updateRecord(ctx context.Context, rec *model.Record, patch map[string]any) error {
	err := e.RecordRepo.UpdateRecordFields(ctx, rec.TenantID, rec.Kind, rec.ID, patch)
	switch {
	case err == nil:
		return nil
	case appErrors.IsNotFound(err), appErrors.IsValidation(err):
		return appErrors.Terminal("update record", err)
	}
	return appErrors.Transient("update record", err)
}

func taskAssignee(action model.Action, rec *model.Record) (int64, error) {
	var field string
	switch action.Assignee {
	case model.AssigneeUser:
		if action.UserID <= 0 {
			return 0, appErrors.Terminal("create_task", fmt.Errorf("assignee user_id is required"))
		}
		return action.UserID, nil
	case model.AssigneeCreator:
		field = model.FieldCreatedBy
	case model.AssigneeOwner, "":
		field = model.FieldOwner
	default:
		return 0, appErrors.Terminal("create_task", fmt.Errorf("unknown assignee %q", action.Assignee))
	}
	v, _ := rec.Field(field)
	switch id := v.(type) {
	case int64:
		if id > 0 {
			return id, nil
		}
	case float64:
		if id > 0 {
			return int64(id), nil
		}
	}
	return 0, appErrors.Terminal("create_task", fmt.Errorf("record %s/%d has no %s", rec.Kind, rec.ID, field))
}

func (e *RuleEngine) logExec(ctx context.Context, rule *model.AutomationRule, rec *model.Record, fireID string, idx int, status model.ExecutionStatus, msg string) error {
	entry := &model.AutomationExecutionLog{
		TenantID:    rule.TenantID,
		RuleID:      rule.ID,
		RecordKind:  rec.Kind,
		RecordID:    rec.ID,
		FireID:      fireID,
		ActionIndex: idx,
		Status:      status,
		Message:     msg,
		FiredAt:     e.now(),
	}
	if err := e.RuleRepo.InsertExecutionLog(ctx, entry); err != nil {
		return appErrors.Transient("write execution log", err)
	}
	return nil
}

// HandleDeferred runs the actions that followed a delay. The record is
// reloaded so deferred actions see the current state.
func (e *RuleEngine) HandleDeferred(ctx context.Context, job queue.Job) error {
	const op = "deferred rule actions"
	md := job.Metadata
	ruleID, err := strconv.ParseInt(md["rule_id"], 10, 64)
	if err != nil {
		return appErrors.Terminal(op, fmt.Errorf("bad rule_id %q", md["rule_id"]))
	}
	start, err := strconv.Atoi(md["start"])
	if err != nil {
		return appErrors.Terminal(op, fmt.Errorf("bad start %q", md["start"]))
	}
	var actions []model.Action
	if err := json.Unmarshal([]byte(md["actions"]), &actions); err != nil {
		return appErrors.Terminal(op, err)
	}
	kind := model.RecordKind(md["record_kind"])
	rule := &model.AutomationRule{ID: ruleID, TenantID: job.TenantID, Name: md["rule_name"]}

	var runErr error
	e.lane(queue.Key(job.TenantID, kind, job.ObjectID), func() {
		rec, err := e.RecordRepo.GetRecord(ctx, job.TenantID, kind, job.ObjectID)
		if err != nil {
			if appErrors.IsNotFound(err) {
				log.Printf("⚠️ tenant=%s rule=%d deferred actions dropped: %v", job.TenantID, ruleID, err)
				return
			}
			runErr = appErrors.Transient(op, err)
			return
		}
		transient, err := e.runActions(ctx, rule, rec.Clone(), md["fire_id"], start, actions)
		if err != nil {
			runErr = err
			return
		}
		if transient {
			runErr = appErrors.Transient(op, fmt.Errorf("rule %d: some actions failed transiently", ruleID))
		}
	})
	return runErr
}
