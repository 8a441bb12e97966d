package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/canvas/editor"
	"teamcanvas/api/internal/canvas/optimistic"
	"teamcanvas/api/internal/metrics"
	"teamcanvas/api/internal/store"
)

const defaultHistoryLimit = 50

// LoadCanvas returns the stored canvas together with the records it is
// decoded against. The four reads run concurrently.
func (s *Service) LoadCanvas(ctx context.Context, teamID string) (editor.Loaded, error) {
	var (
		stored     store.Canvas
		roles      []store.Role
		metricRows []store.Metric
		members    []store.Member
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stored, err = s.store.LoadCanvas(gctx, teamID)
		return err
	})
	g.Go(func() (err error) {
		roles, err = s.store.ListRoles(gctx, teamID)
		return err
	})
	g.Go(func() (err error) {
		metricRows, err = s.store.ListMetrics(gctx, teamID)
		return err
	})
	g.Go(func() (err error) {
		members, err = s.store.ListMembers(gctx, teamID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return editor.Loaded{}, notFound("Canvas not found")
		}
		return editor.Loaded{}, err
	}

	snap, err := decodeStoredCanvas(stored)
	if err != nil {
		return editor.Loaded{}, err
	}
	loaded := editor.Loaded{Canvas: snap, Records: canvas.Records{
		Roles:   make([]canvas.Role, 0, len(roles)),
		Metrics: make([]canvas.Metric, 0, len(metricRows)),
		Members: make([]canvas.Member, 0, len(members)),
	}}
	for _, r := range roles {
		loaded.Roles = append(loaded.Roles, toCanvasRole(r))
	}
	for _, m := range metricRows {
		loaded.Metrics = append(loaded.Metrics, toCanvasMetric(m))
	}
	for _, m := range members {
		loaded.Members = append(loaded.Members, canvas.Member{ID: m.UserID, DisplayName: m.DisplayName})
	}
	return loaded, nil
}

// SaveCanvas replaces the stored canvas. It is refused while someone else
// holds the edit session. Each save that changes the graph is also recorded
// in the canvas history.
func (s *Service) SaveCanvas(ctx context.Context, session Session, teamID string, snap canvas.StoredSnapshot) error {
	if err := validateSnapshot(snap); err != nil {
		metrics.CanvasSaves.WithLabelValues("invalid").Inc()
		return err
	}
	if err := s.requireWriter(ctx, session, teamID); err != nil {
		metrics.CanvasSaves.WithLabelValues("locked").Inc()
		return err
	}

	c, err := encodeStoredCanvas(teamID, session.UserID, snap)
	if err != nil {
		return err
	}
	if err := s.store.SaveCanvas(ctx, c); err != nil {
		metrics.CanvasSaves.WithLabelValues("error").Inc()
		return err
	}
	metrics.CanvasSaves.WithLabelValues("ok").Inc()

	if s.history != nil {
		version, created, err := s.history.Commit(teamID, snap, session.UserName, "Save canvas")
		switch {
		case err != nil:
			s.log.Error(err, "Recording canvas version", "team", teamID)
		case created:
			s.log.V(1).Info("Recorded canvas version", "team", teamID, "hash", version.Hash)
		}
	}
	return nil
}

func (s *Service) CanvasHistory(ctx context.Context, teamID string, limit int) ([]store.Version, error) {
	if s.history == nil {
		return []store.Version{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	return s.history.History(teamID, limit)
}

func (s *Service) CanvasVersion(ctx context.Context, teamID, hash string) (canvas.StoredSnapshot, store.Version, error) {
	if s.history == nil {
		return canvas.StoredSnapshot{}, store.Version{}, store.ErrNotFound
	}
	return s.history.Get(teamID, hash)
}

func (s *Service) CreateRole(ctx context.Context, session Session, teamID string, in optimistic.RoleInput) (canvas.Role, error) {
	if err := s.validateRoleInput(ctx, teamID, in); err != nil {
		return canvas.Role{}, err
	}
	return s.mutateRole(ctx, session, teamID, "create_role", func() (store.Role, error) {
		return s.store.CreateRole(ctx, store.Role{
			TeamID:     teamID,
			Title:      strings.TrimSpace(in.Title),
			Purpose:    in.Purpose,
			AssigneeID: in.AssigneeID,
		})
	})
}

func (s *Service) UpdateRole(ctx context.Context, session Session, teamID, roleID string, in optimistic.RoleInput) (canvas.Role, error) {
	if err := s.validateRoleInput(ctx, teamID, in); err != nil {
		return canvas.Role{}, err
	}
	if err := s.requireRole(ctx, teamID, roleID); err != nil {
		return canvas.Role{}, err
	}
	return s.mutateRole(ctx, session, teamID, "update_role", func() (store.Role, error) {
		return s.store.UpdateRole(ctx, store.Role{
			ID:         roleID,
			TeamID:     teamID,
			Title:      strings.TrimSpace(in.Title),
			Purpose:    in.Purpose,
			AssigneeID: in.AssigneeID,
		})
	})
}

func (s *Service) DeleteRole(ctx context.Context, session Session, teamID, roleID string) error {
	if err := s.requireRole(ctx, teamID, roleID); err != nil {
		return err
	}
	_, err := s.mutateRole(ctx, session, teamID, "delete_role", func() (store.Role, error) {
		return store.Role{ID: roleID}, s.store.DeleteRole(ctx, teamID, roleID)
	})
	return err
}

func (s *Service) AssignMetric(ctx context.Context, session Session, teamID, roleID, metricID string) (canvas.Role, error) {
	if strings.TrimSpace(metricID) == "" {
		return canvas.Role{}, invalid("metricId is required", nil)
	}
	if err := s.requireRole(ctx, teamID, roleID); err != nil {
		return canvas.Role{}, err
	}
	return s.mutateRole(ctx, session, teamID, "assign_metric", func() (store.Role, error) {
		return s.store.SetRoleMetric(ctx, teamID, roleID, metricID)
	})
}

func (s *Service) UnassignMetric(ctx context.Context, session Session, teamID, roleID string) (canvas.Role, error) {
	if err := s.requireRole(ctx, teamID, roleID); err != nil {
		return canvas.Role{}, err
	}
	return s.mutateRole(ctx, session, teamID, "unassign_metric", func() (store.Role, error) {
		return s.store.SetRoleMetric(ctx, teamID, roleID, "")
	})
}

// requireRole reports an unknown role as not found before any lease check,
// so a stale role id never surfaces as an edit conflict.
func (s *Service) requireRole(ctx context.Context, teamID, roleID string) error {
	_, err := s.store.GetRole(ctx, teamID, roleID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("Role not found")
	}
	return err
}

func (s *Service) mutateRole(ctx context.Context, session Session, teamID, action string, fn func() (store.Role, error)) (canvas.Role, error) {
	if err := s.requireWriter(ctx, session, teamID); err != nil {
		metrics.DomainMutations.WithLabelValues(action, "locked").Inc()
		return canvas.Role{}, err
	}
	role, err := fn()
	if errors.Is(err, store.ErrNotFound) {
		metrics.DomainMutations.WithLabelValues(action, "rejected").Inc()
		return canvas.Role{}, notFound("Role or metric not found")
	}
	if err != nil {
		metrics.DomainMutations.WithLabelValues(action, "error").Inc()
		return canvas.Role{}, err
	}
	metrics.DomainMutations.WithLabelValues(action, "ok").Inc()
	return toCanvasRole(role), nil
}

func (s *Service) validateRoleInput(ctx context.Context, teamID string, in optimistic.RoleInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return invalid("title is required", nil)
	}
	if in.AssigneeID == "" {
		return nil
	}
	if _, err := s.store.MemberRole(ctx, teamID, in.AssigneeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid("assignee is not a team member", nil)
		}
		return err
	}
	return nil
}

func validateSnapshot(snap canvas.StoredSnapshot) error {
	seen := make(map[string]bool, len(snap.Nodes)+len(snap.Edges))
	for _, n := range snap.Nodes {
		if n.ID == "" || seen[n.ID] {
			return invalid("node ids must be present and unique", map[string]any{"nodeId": n.ID})
		}
		seen[n.ID] = true
		switch n.Type {
		case canvas.NodeRole, canvas.NodeChart, canvas.NodeText:
		default:
			return invalid("unsupported node type", map[string]any{"nodeId": n.ID, "type": n.Type})
		}
	}
	for _, e := range snap.Edges {
		if e.ID == "" || seen[e.ID] {
			return invalid("edge ids must be present and unique", map[string]any{"edgeId": e.ID})
		}
		seen[e.ID] = true
		if e.Type == canvas.EdgeProximity {
			return invalid("proximity edges are not stored", map[string]any{"edgeId": e.ID})
		}
	}
	return nil
}

func decodeStoredCanvas(c store.Canvas) (canvas.StoredSnapshot, error) {
	snap := canvas.StoredSnapshot{Nodes: []canvas.StoredNode{}, Edges: []canvas.StoredEdge{}}
	if len(c.Nodes) > 0 {
		if err := json.Unmarshal(c.Nodes, &snap.Nodes); err != nil {
			return canvas.StoredSnapshot{}, fmt.Errorf("decode stored nodes: %w", err)
		}
	}
	if len(c.Edges) > 0 {
		if err := json.Unmarshal(c.Edges, &snap.Edges); err != nil {
			return canvas.StoredSnapshot{}, fmt.Errorf("decode stored edges: %w", err)
		}
	}
	if len(c.Viewport) > 0 {
		var vp canvas.Viewport
		if err := json.Unmarshal(c.Viewport, &vp); err != nil {
			return canvas.StoredSnapshot{}, fmt.Errorf("decode stored viewport: %w", err)
		}
		snap.Viewport = &vp
	}
	return snap, nil
}

func encodeStoredCanvas(teamID, userID string, snap canvas.StoredSnapshot) (store.Canvas, error) {
	c := store.Canvas{TeamID: teamID, UpdatedBy: userID}
	nodes := snap.Nodes
	if nodes == nil {
		nodes = []canvas.StoredNode{}
	}
	edges := snap.Edges
	if edges == nil {
		edges = []canvas.StoredEdge{}
	}
	var err error
	if c.Nodes, err = json.Marshal(nodes); err != nil {
		return store.Canvas{}, fmt.Errorf("encode nodes: %w", err)
	}
	if c.Edges, err = json.Marshal(edges); err != nil {
		return store.Canvas{}, fmt.Errorf("encode edges: %w", err)
	}
	if snap.Viewport != nil {
		if c.Viewport, err = json.Marshal(snap.Viewport); err != nil {
			return store.Canvas{}, fmt.Errorf("encode viewport: %w", err)
		}
	}
	return c, nil
}

func toCanvasRole(r store.Role) canvas.Role {
	return canvas.Role{
		ID:         r.ID,
		Title:      r.Title,
		Purpose:    r.Purpose,
		AssigneeID: r.AssigneeID,
		MetricID:   r.MetricID,
	}
}

func toCanvasMetric(m store.Metric) canvas.Metric {
	return canvas.Metric{
		ID:               m.ID,
		Name:             m.Name,
		DashboardChartID: m.DashboardChartID,
		Integration:      m.Integration,
	}
}
