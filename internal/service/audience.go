package service

import (
	"context"
	"fmt"
	"time"

	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/condition"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
)

// AudienceResolver turns a descriptor into the tenant's recipient records.
// It only reads.
type AudienceResolver struct {
	RecordRepo repository.RecordRepositoryInterface
	Clock      clock.Clock
}

func recipientKind(a model.Audience) model.RecordKind {
	if a.RecordKind == "" {
		return model.KindContact
	}
	return a.RecordKind
}

// ValidateAudience rejects descriptors that cannot be resolved.
func ValidateAudience(a model.Audience) error {
	const op = "validate audience"
	if !recipientKind(a).Valid() {
		return appErrors.Validation(op, "unknown record kind %q", a.RecordKind)
	}
	switch a.Kind {
	case model.AudienceAll:
	case model.AudienceTag:
		if a.Tag == "" {
			return appErrors.Validation(op, "tag audience needs a tag")
		}
	case model.AudienceSegment:
		if _, err := condition.ParseAndValidate(a.Predicate); err != nil {
			return appErrors.Validation(op, "segment predicate: %v", err)
		}
	case model.AudienceRecent:
		if a.Days <= 0 {
			return appErrors.Validation(op, "recent audience needs days > 0")
		}
	case model.AudienceRecipients:
		if len(a.IDs) == 0 {
			return appErrors.Validation(op, "recipients audience needs at least one id")
		}
	default:
		return appErrors.Validation(op, "unknown audience kind %q", a.Kind)
	}
	return nil
}

// Resolve returns deduplicated, non-deleted recipients ordered by id.
func (r *AudienceResolver) Resolve(ctx context.Context, tenantID string, a model.Audience) ([]*model.Record, error) {
	if err := ValidateAudience(a); err != nil {
		return nil, err
	}

	filter := repository.RecipientFilter{Kind: recipientKind(a)}
	var predicate *condition.Node
	switch a.Kind {
	case model.AudienceTag:
		filter.Tag = a.Tag
	case model.AudienceSegment:
		n, err := condition.ParseAndValidate(a.Predicate)
		if err != nil {
			return nil, appErrors.Validation("resolve audience", "segment predicate: %v", err)
		}
		predicate = n
	case model.AudienceRecent:
		since := r.now().Add(-time.Duration(a.Days) * 24 * time.Hour)
		filter.CreatedSince = &since
	case model.AudienceRecipients:
		filter.IDs = a.IDs
	}

	records, err := r.RecordRepo.ListRecipients(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}

	seen := make(map[int64]bool, len(records))
	out := make([]*model.Record, 0, len(records))
	for _, rec := range records {
		if rec.TenantID != tenantID || rec.Deleted() || seen[rec.ID] {
			continue
		}
		if predicate != nil && !condition.Evaluate(predicate, rec) {
			continue
		}
		seen[rec.ID] = true
		out = append(out, rec)
	}
	return out, nil
}

func (r *AudienceResolver) now() time.Time {
	if r.Clock == nil {
		return clock.Real().Now()
	}
	return r.Clock.Now()
}
