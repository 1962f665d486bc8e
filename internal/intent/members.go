package intent

import (
	"context"
	"fmt"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// AddMemberParams are the inputs of AddMember.
type AddMemberParams struct {
	Name           string
	Email          string
	GitHubUsername string
	LarkOpenID     string
	Role           types.Role
}

// AddMember registers a member. Emails are unique; a taken email
// surfaces as storage.ErrDuplicateEmail.
func (s *Service) AddMember(ctx context.Context, p AddMemberParams) (string, error) {
	if p.Name == "" || p.Email == "" {
		return "", fmt.Errorf("%w: name and email are required", ErrValidation)
	}
	if p.Role == "" {
		p.Role = types.RoleDeveloper
	}
	if !p.Role.IsValid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, p.Role)
	}

	now := s.now().UTC()
	member := &types.Member{
		ID:             types.NewMemberID(),
		Name:           p.Name,
		Email:          p.Email,
		GitHubUsername: p.GitHubUsername,
		LarkOpenID:     p.LarkOpenID,
		Role:           p.Role,
		Status:         types.MemberActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpsertMember(ctx, member)
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str("member", member.ID).Str("email", member.Email).Msg("member added")
	return member.ID, nil
}

// MemberPatch carries the fields UpdateMember may change.
type MemberPatch struct {
	Name           *string
	GitHubUsername *string
	LarkOpenID     *string
	Role           *types.Role
}

// UpdateMember applies a patch. A changed GitHub username or open id
// drops the resolver's cache entry if a resolver is attached elsewhere;
// the stored row is the source of truth.
func (s *Service) UpdateMember(ctx context.Context, identifier string, patch MemberPatch) error {
	if patch.Role != nil && !patch.Role.IsValid() {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, *patch.Role)
	}
	member, err := s.findMember(ctx, identifier)
	if err != nil {
		return err
	}
	if patch.Name != nil {
		member.Name = *patch.Name
	}
	if patch.GitHubUsername != nil {
		member.GitHubUsername = *patch.GitHubUsername
	}
	if patch.LarkOpenID != nil {
		member.LarkOpenID = *patch.LarkOpenID
	}
	if patch.Role != nil {
		member.Role = *patch.Role
	}
	member.UpdatedAt = s.now().UTC()
	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpsertMember(ctx, member)
	})
}

// DeactivateMember marks a member inactive. Rows are never deleted;
// historical tasks keep pointing at them.
func (s *Service) DeactivateMember(ctx context.Context, identifier string) error {
	member, err := s.findMember(ctx, identifier)
	if err != nil {
		return err
	}
	if member.Status == types.MemberInactive {
		return nil
	}
	member.Status = types.MemberInactive
	member.UpdatedAt = s.now().UTC()
	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpsertMember(ctx, member)
	})
}

// ListMembers returns members matching the filter.
func (s *Service) ListMembers(ctx context.Context, filter storage.MemberFilter) ([]*types.Member, error) {
	return s.store.ListMembers(ctx, filter)
}

// RetryOutboxEvent requeues one failed event. Dead events require force.
func (s *Service) RetryOutboxEvent(ctx context.Context, eventID string, force bool) error {
	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.RequeueOutbox(ctx, eventID, force)
	})
}

// RetryFailedOutbox requeues every failed event, plus dead ones when
// includeDead is set. Returns how many were requeued.
func (s *Service) RetryFailedOutbox(ctx context.Context, includeDead bool) (int, error) {
	statuses := []types.EventStatus{types.EventFailed}
	if includeDead {
		statuses = append(statuses, types.EventDead)
	}
	requeued := 0
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, status := range statuses {
			events, err := tx.ListOutbox(ctx, status, 0)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := tx.RequeueOutbox(ctx, ev.ID, includeDead); err != nil {
					return err
				}
				requeued++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// ListOutbox exposes the queue for the operator surface.
func (s *Service) ListOutbox(ctx context.Context, status types.EventStatus, limit int) ([]*types.OutboxEvent, error) {
	return s.store.ListOutbox(ctx, status, limit)
}

// ListAudit returns audit entries, newest first, optionally filtered by
// subject id.
func (s *Service) ListAudit(ctx context.Context, subjectID string, limit int) ([]*types.AuditEntry, error) {
	return s.store.ListAudit(ctx, subjectID, limit)
}
