package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
)

func cloneDrip(d *model.DripCampaign) *model.DripCampaign {
	cp := *d
	cp.Steps = append([]model.DripStep(nil), d.Steps...)
	cp.Audience.IDs = append([]int64(nil), d.Audience.IDs...)
	return &cp
}

func cloneEnrollment(e *model.DripEnrollment) *model.DripEnrollment {
	cp := *e
	if e.NextSendAt != nil {
		t := *e.NextSendAt
		cp.NextSendAt = &t
	}
	return &cp
}

func (s *Store) CreateDrip(ctx context.Context, d *model.DripCampaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = s.nextID()
	if d.Status == "" {
		d.Status = model.DripDraft
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	for i := range d.Steps {
		d.Steps[i].DripID = d.ID
	}
	sort.Slice(d.Steps, func(i, j int) bool { return d.Steps[i].StepNumber < d.Steps[j].StepNumber })
	s.drips[d.ID] = cloneDrip(d)
	s.touchTenant(d.TenantID)
	return nil
}

func (s *Store) GetDrip(ctx context.Context, tenantID string, id int64) (*model.DripCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drips[id]
	if !ok || d.TenantID != tenantID {
		return nil, appErrors.NotFound("drip", id)
	}
	return cloneDrip(d), nil
}

func (s *Store) ListDrips(ctx context.Context, tenantID string, status model.DripStatus) ([]*model.DripCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.DripCampaign{}
	for _, d := range s.drips {
		if d.TenantID == tenantID && (status == "" || d.Status == status) {
			out = append(out, cloneDrip(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetDripStatus(ctx context.Context, tenantID string, id int64, status model.DripStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drips[id]
	if !ok || d.TenantID != tenantID {
		return appErrors.NotFound("drip", id)
	}
	d.Status = status
	return nil
}

// RemoveStep deletes a step from a stored drip. Tests use it to break the
// step invariant.
func (s *Store) RemoveStep(dripID int64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drips[dripID]
	if !ok {
		return
	}
	kept := d.Steps[:0]
	for _, st := range d.Steps {
		if st.StepNumber != step {
			kept = append(kept, st)
		}
	}
	d.Steps = kept
}

func (s *Store) InsertEnrollment(ctx context.Context, e *model.DripEnrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.DripID == e.DripID && existing.RecipientID == e.RecipientID {
			return false, nil
		}
	}
	e.ID = s.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.CreatedAt
	s.enrollments[e.ID] = cloneEnrollment(e)
	return true, nil
}

func (s *Store) GetEnrollment(ctx context.Context, tenantID string, id int64) (*model.DripEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.TenantID != tenantID {
		return nil, appErrors.NotFound("enrollment", id)
	}
	return cloneEnrollment(e), nil
}

func (s *Store) ListEnrollments(ctx context.Context, tenantID string, dripID int64) ([]*model.DripEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.DripEnrollment{}
	for _, e := range s.enrollments {
		if e.TenantID == tenantID && e.DripID == dripID {
			out = append(out, cloneEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListDueEnrollments(ctx context.Context, tenantID string, now time.Time, after repository.DueCursor, limit int) ([]*model.DripEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []*model.DripEnrollment{}
	for _, e := range s.enrollments {
		if e.TenantID != tenantID || e.Status != model.EnrollmentActive || e.NextSendAt == nil || e.NextSendAt.After(now) {
			continue
		}
		if e.NextSendAt.Before(after.NextSendAt) || (e.NextSendAt.Equal(after.NextSendAt) && e.ID <= after.ID) {
			continue
		}
		due = append(due, cloneEnrollment(e))
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextSendAt.Equal(*due[j].NextSendAt) {
			return due[i].NextSendAt.Before(*due[j].NextSendAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) AdvanceEnrollment(ctx context.Context, tenantID string, id int64, fromStep, toStep int, status model.EnrollmentStatus, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.TenantID != tenantID || e.CurrentStep != fromStep || e.Status != model.EnrollmentActive {
		return false, nil
	}
	e.CurrentStep = toStep
	e.Status = status
	e.NextSendAt = nil
	if next != nil {
		t := *next
		e.NextSendAt = &t
	}
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) StopEnrollment(ctx context.Context, tenantID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.enrollments[id]; ok && e.TenantID == tenantID && e.Status == model.EnrollmentActive {
		e.Status = model.EnrollmentStopped
		e.NextSendAt = nil
	}
	return nil
}

func (s *Store) StopActiveEnrollments(ctx context.Context, tenantID string, dripID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.enrollments {
		if e.TenantID == tenantID && e.DripID == dripID && e.Status == model.EnrollmentActive {
			e.Status = model.EnrollmentStopped
			e.NextSendAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) GetDripDelivery(ctx context.Context, tenantID string, enrollmentID int64, step int) (*model.DripDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dripDelivery[enrollmentStep{enrollmentID, step}]
	if !ok || d.TenantID != tenantID {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *Store) InsertDripDelivery(ctx context.Context, d *model.DripDelivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := enrollmentStep{d.EnrollmentID, d.StepNumber}
	if _, ok := s.dripDelivery[key]; ok {
		return false, nil
	}
	d.ID = s.nextID()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	s.dripDelivery[key] = &cp
	return true, nil
}

func (s *Store) UpdateDripDeliveryByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.DeliveryStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, d := range s.dripDelivery {
		if d.TenantID == tenantID && d.ProviderMessageID == providerMessageID && d.Status == model.DeliverySent {
			d.Status = status
			if errMsg != "" {
				d.ErrorMessage = errMsg
			}
			changed = true
		}
	}
	return changed, nil
}

// DripDeliveries returns the delivery rows of one enrollment by step.
func (s *Store) DripDeliveries(enrollmentID int64) []*model.DripDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.DripDelivery{}
	for k, d := range s.dripDelivery {
		if k.enrollmentID == enrollmentID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}
