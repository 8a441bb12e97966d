package app

import (
	"context"

	"teamcanvas/api/internal/canvas/editlock"
	"teamcanvas/api/internal/metrics"
)

// AcquireEditSession takes the canvas lease for the caller, or reports who
// holds it.
func (s *Service) AcquireEditSession(ctx context.Context, session Session, teamID string) (editlock.AcquireResult, error) {
	lease, granted, err := s.leases.AcquireLease(ctx, teamID, session.HolderID(), session.UserName, s.leaseTTL)
	if err != nil {
		metrics.EditSessionAcquires.WithLabelValues("error").Inc()
		return editlock.AcquireResult{}, err
	}
	if !granted {
		metrics.EditSessionAcquires.WithLabelValues("contended").Inc()
		s.log.V(1).Info("Edit session contended", "team", teamID, "holder", lease.HolderID, "requester", session.HolderID())
		return editlock.AcquireResult{HolderName: lease.HolderName}, nil
	}
	metrics.EditSessionAcquires.WithLabelValues("granted").Inc()
	return editlock.AcquireResult{Granted: true}, nil
}

// HeartbeatEditSession renews the caller's lease. A lease that has expired
// or passed to someone else is reported as EDIT_SESSION_EXPIRED.
func (s *Service) HeartbeatEditSession(ctx context.Context, session Session, teamID string) error {
	ok, err := s.leases.HeartbeatLease(ctx, teamID, session.HolderID(), s.leaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return sessionExpired()
	}
	return nil
}

func (s *Service) ReleaseEditSession(ctx context.Context, session Session, teamID string) error {
	return s.leases.ReleaseLease(ctx, teamID, session.HolderID())
}

// CheckEditSession reports whether the caller could edit right now without
// taking the lease. canWrite is the caller's team permission.
func (s *Service) CheckEditSession(ctx context.Context, session Session, teamID string, canWrite bool) (editlock.Status, error) {
	lease, live, err := s.leases.CurrentLease(ctx, teamID, s.leaseTTL)
	if err != nil {
		return editlock.Status{}, err
	}
	if live && lease.HolderID != session.HolderID() {
		return editlock.Status{HolderName: lease.HolderName}, nil
	}
	return editlock.Status{CanEdit: canWrite}, nil
}

// requireWriter refuses writes while another holder has a live lease. A
// canvas without a live lease accepts writes.
func (s *Service) requireWriter(ctx context.Context, session Session, teamID string) error {
	lease, live, err := s.leases.CurrentLease(ctx, teamID, s.leaseTTL)
	if err != nil {
		return err
	}
	if live && lease.HolderID != session.HolderID() {
		return editLocked(lease.HolderName)
	}
	return nil
}
