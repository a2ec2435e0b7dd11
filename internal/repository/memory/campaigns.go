package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Audience.IDs = append([]int64(nil), c.Audience.IDs...)
	return &cp
}

func (s *Store) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.SourceKey != "" {
		for _, existing := range s.campaigns {
			if existing.TenantID == c.TenantID && existing.SourceKey == c.SourceKey {
				*c = *cloneCampaign(existing)
				return nil
			}
		}
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.ID = s.nextID()
	s.campaigns[c.ID] = cloneCampaign(c)
	s.touchTenant(c.TenantID)
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (s *Store) GetCampaignBySourceKey(ctx context.Context, tenantID, sourceKey string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.campaigns {
		if c.TenantID == tenantID && c.SourceKey == sourceKey {
			return cloneCampaign(c), nil
		}
	}
	return nil, appErrors.NotFound("campaign", sourceKey)
}

func (s *Store) ListCampaigns(ctx context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := []*model.Campaign{}
	for _, c := range s.campaigns {
		if c.TenantID != tenantID {
			continue
		}
		if channel != "" && string(c.Channel) != channel {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*model.Campaign, 0, end-offset)
	for _, c := range matched[offset:end] {
		out = append(out, cloneCampaign(c))
	}
	return out, total, nil
}

func (s *Store) TransitionCampaign(ctx context.Context, tenantID string, id int64, from []model.CampaignStatus, to model.CampaignStatus, scheduledAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			if scheduledAt != nil {
				t := *scheduledAt
				c.ScheduledAt = &t
			}
			now := time.Now().UTC()
			c.UpdatedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetDeliveryLog(ctx context.Context, tenantID string, campaignID, recipientID int64) (*model.CampaignDeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.deliveries[[2]int64{campaignID, recipientID}]
	if !ok || l.TenantID != tenantID {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *Store) UpsertDeliveryLog(ctx context.Context, l *model.CampaignDeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{l.CampaignID, l.RecipientID}
	now := time.Now().UTC()
	existing, ok := s.deliveries[key]
	if ok {
		if existing.Status.Succeeded() {
			*l = *existing
			return nil
		}
		existing.Status = l.Status
		existing.ProviderMessageID = l.ProviderMessageID
		existing.RenderedContent = l.RenderedContent
		existing.ErrorMessage = l.ErrorMessage
		existing.AttemptCount++
		existing.UpdatedAt = now
		*l = *existing
		return nil
	}
	l.ID = s.nextID()
	l.AttemptCount = 1
	l.CreatedAt = now
	l.UpdatedAt = now
	cp := *l
	s.deliveries[key] = &cp
	return nil
}

func (s *Store) ListDeliveryLogs(ctx context.Context, tenantID string, campaignID int64) ([]*model.CampaignDeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.CampaignDeliveryLog{}
	for _, l := range s.deliveries {
		if l.TenantID == tenantID && l.CampaignID == campaignID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateDeliveryStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.DeliveryStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, l := range s.deliveries {
		if l.TenantID == tenantID && l.ProviderMessageID == providerMessageID && l.Status == model.DeliverySent {
			l.Status = status
			if errMsg != "" {
				l.ErrorMessage = errMsg
			}
			l.UpdatedAt = time.Now().UTC()
			changed = true
		}
	}
	return changed, nil
}

func (s *Store) GetCampaignStats(ctx context.Context, tenantID string, campaignID int64) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[string]int{"sent": 0, "delivered": 0, "failed": 0, "bounced": 0}
	for _, l := range s.deliveries {
		if l.TenantID == tenantID && l.CampaignID == campaignID {
			stats[string(l.Status)]++
		}
	}
	return stats, nil
}

func (s *Store) GetTemplate(ctx context.Context, tenantID string, id int64) (*model.MessageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok || t.TenantID != tenantID {
		return nil, appErrors.NotFound("template", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t *model.MessageTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextID()
	cp := *t
	s.templates[t.ID] = &cp
	s.touchTenant(t.TenantID)
	return nil
}
