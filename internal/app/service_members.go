package app

import (
	"context"
	"errors"

	"teamcanvas/api/internal/rbac"
	"teamcanvas/api/internal/store"
)

func (s *Service) ListMembers(ctx context.Context, teamID string) ([]store.Member, error) {
	members, err := s.store.ListMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []store.Member{}
	}
	return members, nil
}

// SetMemberRole changes a member's team role. Admins cannot demote
// themselves, so a team always keeps the admin who made the change.
func (s *Service) SetMemberRole(ctx context.Context, session Session, teamID, userID, role string) error {
	parsed, ok := rbac.Parse(role)
	if !ok {
		return invalid("role must be viewer, editor or admin", map[string]any{"role": role})
	}
	if userID == session.UserID && !parsed.AtLeast(rbac.RoleAdmin) {
		return invalid("admins cannot demote themselves", nil)
	}
	err := s.store.SetMemberRole(ctx, teamID, userID, role)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("Member not found")
	}
	if err != nil {
		return err
	}
	s.log.Info("Member role changed", "team", teamID, "user", userID, "role", role, "by", session.UserID)
	return nil
}
