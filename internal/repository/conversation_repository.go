package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

type ConversationRepositoryInterface interface {
	// UpsertContact finds the contact by (tenant, channel, handle) or
	// inserts c. c is overwritten with the stored row.
	UpsertContact(ctx context.Context, c *model.Contact) (created bool, err error)
	GetContact(ctx context.Context, tenantID string, id int64) (*model.Contact, error)
	// UpsertConversation finds by (tenant, channel, handle) or inserts c.
	UpsertConversation(ctx context.Context, c *model.Conversation) (created bool, err error)
	GetConversation(ctx context.Context, tenantID string, id int64) (*model.Conversation, error)
	TouchConversation(ctx context.Context, tenantID string, id int64, at time.Time, incrementUnread bool) error

	// InsertMessage reports false when the provider id already exists in
	// the conversation.
	InsertMessage(ctx context.Context, m *model.Message) (bool, error)
	UpdateMessageDelivery(ctx context.Context, tenantID string, id int64, status model.MessageStatus, providerMessageID, errMsg string) error
	// UpdateMessageStatusByProviderID applies a provider receipt, moving
	// forward only. It reports whether a message changed.
	UpdateMessageStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.MessageStatus, errMsg string) (bool, error)
	// ListMessages is ordered by (created_at, id).
	ListMessages(ctx context.Context, tenantID string, conversationID int64) ([]*model.Message, error)
}

type ChannelAccountRepositoryInterface interface {
	// GetAccountByExternalID resolves a provider-side id to its account.
	GetAccountByExternalID(ctx context.Context, channel model.Channel, externalID string) (*model.ChannelAccount, error)
	GetAccount(ctx context.Context, tenantID string, id int64) (*model.ChannelAccount, error)
	GetDefaultAccount(ctx context.Context, tenantID string, channel model.Channel) (*model.ChannelAccount, error)
}

type ConversationRepository struct {
	DB *sql.DB
}

const contactColumns = `id, tenant_id, channel, external_handle, name, email, phone, company, owner_id, tags, deleted_at IS NOT NULL, created_at`

func scanContact(row interface{ Scan(...any) error }) (*model.Contact, error) {
	var c model.Contact
	var owner sql.NullInt64
	if err := row.Scan(&c.ID, &c.TenantID, &c.Channel, &c.Handle, &c.Name, &c.Email, &c.Phone, &c.Company,
		&owner, pq.Array(&c.Tags), &c.Deleted, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.OwnerID = int64Ptr(owner)
	return &c, nil
}

func (r *ConversationRepository) UpsertContact(ctx context.Context, c *model.Contact) (bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	// The no-op update makes RETURNING yield the existing row; xmax = 0
	// only for a fresh insert.
	query := `
        INSERT INTO contacts (tenant_id, channel, external_handle, name, email, phone, company, owner_id, tags, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (tenant_id, channel, external_handle) WHERE external_handle <> ''
        DO UPDATE SET external_handle = EXCLUDED.external_handle
        RETURNING ` + contactColumns + `, (xmax = 0)`
	var created bool
	var owner sql.NullInt64
	stored := model.Contact{}
	err := r.DB.QueryRowContext(ctx, query, c.TenantID, c.Channel, c.Handle, c.Name, c.Email, c.Phone, c.Company,
		nullInt64(c.OwnerID), pq.Array(tags), c.CreatedAt).
		Scan(&stored.ID, &stored.TenantID, &stored.Channel, &stored.Handle, &stored.Name, &stored.Email, &stored.Phone,
			&stored.Company, &owner, pq.Array(&stored.Tags), &stored.Deleted, &stored.CreatedAt, &created)
	if err != nil {
		return false, err
	}
	stored.OwnerID = int64Ptr(owner)
	*c = stored
	return created, nil
}

func (r *ConversationRepository) GetContact(ctx context.Context, tenantID string, id int64) (*model.Contact, error) {
	c, err := scanContact(r.DB.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("contact", id)
	}
	return c, err
}

const conversationColumns = `id, tenant_id, channel, external_contact_handle, contact_id, assignee_id, COALESCE(channel_account_id, 0), status, last_message_at, unread_count, created_at`

func scanConversation(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var c model.Conversation
	var contact, assignee sql.NullInt64
	var last sql.NullTime
	if err := row.Scan(&c.ID, &c.TenantID, &c.Channel, &c.ContactHandle, &contact, &assignee, &c.AccountID,
		&c.Status, &last, &c.UnreadCount, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ContactID = int64Ptr(contact)
	c.AssigneeID = int64Ptr(assignee)
	c.LastMessageAt = timePtr(last)
	return &c, nil
}

func (r *ConversationRepository) UpsertConversation(ctx context.Context, c *model.Conversation) (bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = model.ConversationOpen
	}
	var account sql.NullInt64
	if c.AccountID != 0 {
		account = sql.NullInt64{Int64: c.AccountID, Valid: true}
	}
	query := `
        INSERT INTO conversations (tenant_id, channel, external_contact_handle, contact_id, assignee_id, channel_account_id, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (tenant_id, channel, external_contact_handle)
        DO UPDATE SET contact_id = COALESCE(conversations.contact_id, EXCLUDED.contact_id)
        RETURNING ` + conversationColumns + `, (xmax = 0)`
	var created bool
	var contact, assignee sql.NullInt64
	var last sql.NullTime
	stored := model.Conversation{}
	err := r.DB.QueryRowContext(ctx, query, c.TenantID, c.Channel, c.ContactHandle, nullInt64(c.ContactID),
		nullInt64(c.AssigneeID), account, c.Status, c.CreatedAt).
		Scan(&stored.ID, &stored.TenantID, &stored.Channel, &stored.ContactHandle, &contact, &assignee, &stored.AccountID,
			&stored.Status, &last, &stored.UnreadCount, &stored.CreatedAt, &created)
	if err != nil {
		return false, err
	}
	stored.ContactID = int64Ptr(contact)
	stored.AssigneeID = int64Ptr(assignee)
	stored.LastMessageAt = timePtr(last)
	*c = stored
	return created, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, tenantID string, id int64) (*model.Conversation, error) {
	c, err := scanConversation(r.DB.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("conversation", id)
	}
	return c, err
}

func (r *ConversationRepository) TouchConversation(ctx context.Context, tenantID string, id int64, at time.Time, incrementUnread bool) error {
	inc := 0
	if incrementUnread {
		inc = 1
	}
	_, err := r.DB.ExecContext(ctx, `
        UPDATE conversations
        SET last_message_at = GREATEST(COALESCE(last_message_at, $3), $3), unread_count = unread_count + $4
        WHERE tenant_id=$1 AND id=$2`, tenantID, id, at, inc)
	return err
}

func (r *ConversationRepository) InsertMessage(ctx context.Context, m *model.Message) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO messages (tenant_id, conversation_id, direction, sender_kind, sender_id, content, status, provider_message_id, error_message, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (conversation_id, provider_message_id) DO NOTHING
        RETURNING id`,
		m.TenantID, m.ConversationID, m.Direction, m.SenderKind, nullInt64(m.SenderID), m.Content, m.Status,
		nullString(m.ProviderMessageID), m.ErrorMessage, m.CreatedAt).Scan(&m.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ConversationRepository) UpdateMessageDelivery(ctx context.Context, tenantID string, id int64, status model.MessageStatus, providerMessageID, errMsg string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE messages SET status=$3, provider_message_id=COALESCE($4, provider_message_id), error_message=$5
        WHERE tenant_id=$1 AND id=$2`, tenantID, id, status, nullString(providerMessageID), errMsg)
	return err
}

// statusRanks mirrors model.MessageStatus ordering for the SQL guard.
var statusRanks = map[model.MessageStatus][]string{
	model.MessageSent:      {"pending"},
	model.MessageDelivered: {"pending", "sent"},
	model.MessageRead:      {"pending", "sent", "delivered"},
	model.MessageFailed:    {"pending", "sent", "delivered"},
}

func (r *ConversationRepository) UpdateMessageStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.MessageStatus, errMsg string) (bool, error) {
	from, ok := statusRanks[status]
	if !ok {
		return false, nil
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE messages SET status=$3, error_message=CASE WHEN $4 = '' THEN error_message ELSE $4 END
        WHERE tenant_id=$1 AND provider_message_id=$2 AND direction='out' AND status = ANY($5)`,
		tenantID, providerMessageID, status, errMsg, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *ConversationRepository) ListMessages(ctx context.Context, tenantID string, conversationID int64) ([]*model.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, tenant_id, conversation_id, direction, sender_kind, sender_id, content, status,
               COALESCE(provider_message_id, ''), error_message, created_at
        FROM messages WHERE tenant_id=$1 AND conversation_id=$2 ORDER BY created_at ASC, id ASC`, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*model.Message{}
	for rows.Next() {
		m := &model.Message{}
		var sender sql.NullInt64
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Direction, &m.SenderKind, &sender, &m.Content,
			&m.Status, &m.ProviderMessageID, &m.ErrorMessage, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderID = int64Ptr(sender)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type ChannelAccountRepository struct {
	DB *sql.DB
}

const accountColumns = `id, tenant_id, channel, external_id, api_url, access_token, sender, new_contact_event, is_default`

func scanAccount(row interface{ Scan(...any) error }) (*model.ChannelAccount, error) {
	var a model.ChannelAccount
	if err := row.Scan(&a.ID, &a.TenantID, &a.Channel, &a.ExternalID, &a.APIURL, &a.AccessToken, &a.Sender,
		&a.NewContactEvent, &a.IsDefault); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *ChannelAccountRepository) GetAccountByExternalID(ctx context.Context, channel model.Channel, externalID string) (*model.ChannelAccount, error) {
	a, err := scanAccount(r.DB.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE channel=$1 AND external_id=$2`, channel, externalID))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("channel account", externalID)
	}
	return a, err
}

func (r *ChannelAccountRepository) GetAccount(ctx context.Context, tenantID string, id int64) (*model.ChannelAccount, error) {
	a, err := scanAccount(r.DB.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("channel account", id)
	}
	return a, err
}

func (r *ChannelAccountRepository) GetDefaultAccount(ctx context.Context, tenantID string, channel model.Channel) (*model.ChannelAccount, error) {
	a, err := scanAccount(r.DB.QueryRowContext(ctx, `
        SELECT `+accountColumns+` FROM channel_accounts
        WHERE tenant_id=$1 AND channel=$2 ORDER BY is_default DESC, id ASC LIMIT 1`, tenantID, channel))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("channel account", string(channel))
	}
	return a, err
}

var (
	_ ConversationRepositoryInterface   = (*ConversationRepository)(nil)
	_ ChannelAccountRepositoryInterface = (*ChannelAccountRepository)(nil)
)
