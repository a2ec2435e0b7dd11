package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// RecipientFilter narrows ListRecipients. Zero values mean "no filter".
type RecipientFilter struct {
	Kind         model.RecordKind
	Tag          string
	CreatedSince *time.Time
	IDs          []int64
}

type RecordRepositoryInterface interface {
	GetRecord(ctx context.Context, tenantID string, kind model.RecordKind, id int64) (*model.Record, error)
	UpdateRecordFields(ctx context.Context, tenantID string, kind model.RecordKind, id int64, patch map[string]any) error
	// ListRecipients returns non-deleted records ordered by id.
	ListRecipients(ctx context.Context, tenantID string, f RecipientFilter) ([]*model.Record, error)
	CreateTask(ctx context.Context, t *model.Task) (bool, error)
	ListTasks(ctx context.Context, tenantID string, kind model.RecordKind, recordID int64) ([]*model.Task, error)
}

type recordTable struct {
	name       string
	softDelete bool
	// columns that UpdateRecordFields may set directly; anything else
	// goes to custom_fields when the table has one.
	columns map[string]bool
	custom  bool
}

var recordTables = map[model.RecordKind]recordTable{
	model.KindLead: {name: "leads", softDelete: true, custom: true, columns: map[string]bool{
		"name": true, "email": true, "phone": true, "company": true, "source": true, "status": true, "owner_id": true, "tags": true,
	}},
	model.KindDeal: {name: "deals", softDelete: true, custom: true, columns: map[string]bool{
		"name": true, "email": true, "phone": true, "company": true, "stage": true, "amount": true, "status": true, "owner_id": true, "tags": true,
	}},
	model.KindContact: {name: "contacts", softDelete: true, custom: true, columns: map[string]bool{
		"name": true, "email": true, "phone": true, "company": true, "status": true, "owner_id": true, "tags": true,
	}},
	model.KindTicket: {name: "tickets", columns: map[string]bool{
		"subject": true, "status": true, "owner_id": true,
	}},
	model.KindConversation: {name: "conversations", columns: map[string]bool{
		"status": true, "assignee_id": true,
	}},
}

func tableFor(kind model.RecordKind) (recordTable, error) {
	t, ok := recordTables[kind]
	if !ok {
		return recordTable{}, appErrors.Validation("record", "unknown record kind %q", kind)
	}
	return t, nil
}

type RecordRepository struct {
	DB *sql.DB
}

func (r *RecordRepository) GetRecord(ctx context.Context, tenantID string, kind model.RecordKind, id int64) (*model.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s t WHERE tenant_id=$1 AND id=$2`, t.name)
	var raw []byte
	if err := r.DB.QueryRowContext(ctx, query, tenantID, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NotFound(string(kind), id)
		}
		return nil, err
	}
	return decodeRecord(kind, raw)
}

// columnFor maps record field names onto table columns.
func columnFor(kind model.RecordKind, field string) string {
	switch field {
	case model.FieldOwner:
		if kind == model.KindConversation {
			return "assignee_id"
		}
		return "owner_id"
	}
	return field
}

func (r *RecordRepository) UpdateRecordFields(ctx context.Context, tenantID string, kind model.RecordKind, id int64, patch map[string]any) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := []string{}
	args := []interface{}{tenantID, id}
	custom := map[string]any{}
	seen := map[string]bool{}
	for _, k := range keys {
		col := columnFor(kind, k)
		if seen[col] {
			continue
		}
		seen[col] = true
		if !t.columns[col] {
			if !t.custom {
				return appErrors.Validation("update record", "%s has no field %q", kind, k)
			}
			custom[k] = patch[k]
			continue
		}
		v := patch[k]
		if tags, ok := v.([]string); ok {
			v = pq.Array(tags)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if len(custom) > 0 {
		raw, err := json.Marshal(custom)
		if err != nil {
			return err
		}
		args = append(args, string(raw))
		sets = append(sets, fmt.Sprintf("custom_fields = custom_fields || $%d::jsonb", len(args)))
	}
	if kind != model.KindTicket && kind != model.KindConversation {
		sets = append(sets, "updated_at=NOW()")
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE tenant_id=$1 AND id=$2`, t.name, strings.Join(sets, ", "))
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NotFound(string(kind), id)
	}
	return nil
}

func (r *RecordRepository) ListRecipients(ctx context.Context, tenantID string, f RecipientFilter) ([]*model.Record, error) {
	kind := f.Kind
	if kind == "" {
		kind = model.KindContact
	}
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s t WHERE tenant_id=$1`, t.name)
	args := []interface{}{tenantID}
	argPos := 2
	if t.softDelete {
		query += " AND deleted_at IS NULL"
	}
	if f.Tag != "" {
		query += fmt.Sprintf(" AND $%d = ANY(tags)", argPos)
		args = append(args, f.Tag)
		argPos++
	}
	if f.CreatedSince != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argPos)
		args = append(args, *f.CreatedSince)
		argPos++
	}
	if f.IDs != nil {
		query += fmt.Sprintf(" AND id = ANY($%d)", argPos)
		args = append(args, pq.Array(f.IDs))
	}
	query += " ORDER BY id"

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*model.Record{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(kind, raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *RecordRepository) CreateTask(ctx context.Context, t *model.Task) (bool, error) {
	query := `
        INSERT INTO tasks (tenant_id, title, record_kind, record_id, assignee_id, due_at, source_key, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (tenant_id, source_key) WHERE source_key <> '' DO NOTHING
        RETURNING id
    `
	var assignee sql.NullInt64
	if t.AssigneeID != 0 {
		assignee = sql.NullInt64{Int64: t.AssigneeID, Valid: true}
	}
	err := r.DB.QueryRowContext(ctx, query, t.TenantID, t.Title, t.RecordKind, t.RecordID, assignee, t.DueAt, t.SourceKey, t.CreatedAt).Scan(&t.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RecordRepository) ListTasks(ctx context.Context, tenantID string, kind model.RecordKind, recordID int64) ([]*model.Task, error) {
	query := `
        SELECT id, tenant_id, title, record_kind, record_id, COALESCE(assignee_id, 0), due_at, source_key, created_at
        FROM tasks WHERE tenant_id=$1 AND record_kind=$2 AND record_id=$3 ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID, kind, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		t := &model.Task{}
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Title, &t.RecordKind, &t.RecordID, &t.AssigneeID, &t.DueAt, &t.SourceKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// decodeRecord turns a to_jsonb row into a Record with primitive fields.
func decodeRecord(kind model.RecordKind, raw []byte) (*model.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", kind, err)
	}

	rec := &model.Record{Kind: kind, Fields: map[string]any{}}
	if custom, ok := row["custom_fields"].(map[string]any); ok {
		for k, v := range custom {
			rec.Fields[k] = primitive(k, v)
		}
	}
	delete(row, "custom_fields")
	delete(row, "access_token")

	for k, v := range row {
		rec.Fields[k] = primitive(k, v)
	}

	if id, ok := rec.Fields["id"].(int64); ok {
		rec.ID = id
	}
	rec.TenantID, _ = rec.Fields["tenant_id"].(string)
	delete(rec.Fields, "id")
	delete(rec.Fields, "tenant_id")

	if _, ok := row["deleted_at"]; ok {
		rec.Fields[model.FieldDeleted] = rec.Fields["deleted_at"] != nil
	}
	switch kind {
	case model.KindConversation:
		rec.Fields[model.FieldOwner] = rec.Fields["assignee_id"]
	default:
		if v, ok := rec.Fields[model.FieldOwnerID]; ok {
			rec.Fields[model.FieldOwner] = v
		}
	}
	return rec, nil
}

func primitive(key string, v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case string:
		if strings.HasSuffix(key, "_at") {
			if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return ts.UTC()
			}
		}
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case map[string]any:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
	return v
}

var _ RecordRepositoryInterface = (*RecordRepository)(nil)
