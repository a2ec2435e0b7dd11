package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Store is every repository the core consumes. Both the PostgreSQL set and
// the in-memory store satisfy it.
type Store interface {
	TenantRepositoryInterface
	RecordRepositoryInterface
	RuleRepositoryInterface
	IdempotencyRepositoryInterface
	CampaignRepositoryInterface
	DripRepositoryInterface
	ConversationRepositoryInterface
	ChannelAccountRepositoryInterface
	TicketRepositoryInterface
	JobRepositoryInterface
}

// TenantRepositoryInterface enumerates tenants for per-tenant sweeps.
type TenantRepositoryInterface interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Postgres bundles the SQL repositories over one connection pool.
type Postgres struct {
	*RecordRepository
	*RuleRepository
	*IdempotencyRepository
	*CampaignRepository
	*DripRepository
	*ConversationRepository
	*ChannelAccountRepository
	*TicketRepository
	*TenantRepository
	*JobRepository
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		RecordRepository:         &RecordRepository{DB: db},
		RuleRepository:           &RuleRepository{DB: db},
		IdempotencyRepository:    &IdempotencyRepository{DB: db},
		CampaignRepository:       &CampaignRepository{DB: db},
		DripRepository:           &DripRepository{DB: db},
		ConversationRepository:   &ConversationRepository{DB: db},
		ChannelAccountRepository: &ChannelAccountRepository{DB: db},
		TicketRepository:         &TicketRepository{DB: db},
		TenantRepository:         &TenantRepository{DB: db},
		JobRepository:            &JobRepository{DB: db},
	}
}

var _ Store = (*Postgres)(nil)

type TenantRepository struct {
	DB *sql.DB
}

func (r *TenantRepository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// isUniqueViolation reports a 23505 from PostgreSQL.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
