package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"teamcanvas/api/internal/util"
)

type PostgresStore struct {
	db DBPool
}

func NewPostgresStore(db DBPool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() DBPool {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) EnsureTeam(ctx context.Context, teamID, name string) (Team, error) {
	var team Team
	err := s.db.QueryRow(ctx, `
		INSERT INTO teams (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = teams.name
		RETURNING id, name, created_at
	`, teamID, name).Scan(&team.ID, &team.Name, &team.CreatedAt)
	if err != nil {
		return Team{}, fmt.Errorf("ensure team: %w", err)
	}
	return team, nil
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRow(ctx, `SELECT id, display_name FROM users WHERE display_name = $1`, name).Scan(&user.ID, &user.DisplayName)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name
	`, util.NewID("user"), name).Scan(&user.ID, &user.DisplayName)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRow(ctx, `SELECT id, display_name FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// EnsureMembership adds the user to the team. An existing membership keeps
// its role.
func (s *PostgresStore) EnsureMembership(ctx context.Context, teamID, userID, role string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO team_memberships (team_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, teamID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// MemberRole returns the user's role in the team, or ErrNotFound when the
// user is not a member.
func (s *PostgresStore) MemberRole(ctx context.Context, teamID, userID string) (string, error) {
	var role string
	err := s.db.QueryRow(ctx, `SELECT role FROM team_memberships WHERE team_id=$1 AND user_id=$2`, teamID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

// SetMemberRole changes the role of an existing member.
func (s *PostgresStore) SetMemberRole(ctx context.Context, teamID, userID, role string) error {
	tag, err := s.db.Exec(ctx, `UPDATE team_memberships SET role=$3 WHERE team_id=$1 AND user_id=$2`, teamID, userID, role)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, teamID string) ([]Member, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.team_id, u.id, u.display_name, m.role
		FROM team_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.team_id = $1
		ORDER BY u.display_name
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.DisplayName, &m.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadCanvas returns the team's canvas. A team that has never saved gets an
// empty canvas; an unknown team is ErrNotFound.
func (s *PostgresStore) LoadCanvas(ctx context.Context, teamID string) (Canvas, error) {
	var (
		c        Canvas
		nodes    []byte
		edges    []byte
		viewport []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT t.id,
			COALESCE(c.nodes, '[]'::jsonb),
			COALESCE(c.edges, '[]'::jsonb),
			COALESCE(c.viewport, 'null'::jsonb),
			COALESCE(c.updated_by, ''),
			COALESCE(c.updated_at, t.created_at)
		FROM teams t
		LEFT JOIN canvases c ON c.team_id = t.id
		WHERE t.id = $1
	`, teamID).Scan(&c.TeamID, &nodes, &edges, &viewport, &c.UpdatedBy, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Canvas{}, ErrNotFound
	}
	if err != nil {
		return Canvas{}, fmt.Errorf("load canvas: %w", err)
	}
	c.Nodes, c.Edges = json.RawMessage(nodes), json.RawMessage(edges)
	if string(viewport) != "null" {
		c.Viewport = json.RawMessage(viewport)
	}
	return c, nil
}

func (s *PostgresStore) SaveCanvas(ctx context.Context, c Canvas) error {
	var viewport any
	if len(c.Viewport) > 0 {
		viewport = []byte(c.Viewport)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO canvases (team_id, nodes, edges, viewport, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
		ON CONFLICT (team_id) DO UPDATE SET
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			viewport = EXCLUDED.viewport,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`, c.TeamID, []byte(c.Nodes), []byte(c.Edges), viewport, c.UpdatedBy)
	if err != nil {
		return fmt.Errorf("save canvas: %w", err)
	}
	return nil
}

const roleColumns = `id, team_id, title, purpose, COALESCE(assignee_id, ''), COALESCE(metric_id, ''), created_at, updated_at`

func scanRole(row rowScanner) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.TeamID, &r.Title, &r.Purpose, &r.AssigneeID, &r.MetricID, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *PostgresStore) ListRoles(ctx context.Context, teamID string) ([]Role, error) {
	rows, err := s.db.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE team_id=$1 ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRole(ctx context.Context, teamID, roleID string) (Role, error) {
	r, err := scanRole(s.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE team_id=$1 AND id=$2`, teamID, roleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("get role: %w", err)
	}
	return r, nil
}

// CreateRole inserts a role with a fresh id.
func (s *PostgresStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	r, err := scanRole(s.db.QueryRow(ctx, `
		INSERT INTO roles (id, team_id, title, purpose, assignee_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING `+roleColumns,
		util.NewID("role"), role.TeamID, role.Title, role.Purpose, role.AssigneeID))
	if err != nil {
		return Role{}, fmt.Errorf("insert role: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRole(ctx context.Context, role Role) (Role, error) {
	r, err := scanRole(s.db.QueryRow(ctx, `
		UPDATE roles
		SET title=$3, purpose=$4, assignee_id=NULLIF($5, ''), updated_at=NOW()
		WHERE team_id=$1 AND id=$2
		RETURNING `+roleColumns,
		role.TeamID, role.ID, role.Title, role.Purpose, role.AssigneeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("update role: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) DeleteRole(ctx context.Context, teamID, roleID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM roles WHERE team_id=$1 AND id=$2`, teamID, roleID)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRoleMetric points the role at a metric of the same team, or clears it
// when metricID is empty. ErrNotFound covers both an unknown role and a
// metric of another team.
func (s *PostgresStore) SetRoleMetric(ctx context.Context, teamID, roleID, metricID string) (Role, error) {
	r, err := scanRole(s.db.QueryRow(ctx, `
		UPDATE roles
		SET metric_id=NULLIF($3, ''), updated_at=NOW()
		WHERE team_id=$1 AND id=$2
			AND ($3 = '' OR EXISTS (SELECT 1 FROM metrics WHERE id=$3 AND team_id=$1))
		RETURNING `+roleColumns,
		teamID, roleID, metricID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("set role metric: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListMetrics(ctx context.Context, teamID string) ([]Metric, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, team_id, name, dashboard_chart_id, integration
		FROM metrics
		WHERE team_id=$1
		ORDER BY name, id
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.TeamID, &m.Name, &m.DashboardChartID, &m.Integration); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertMetric(ctx context.Context, m Metric) (Metric, error) {
	if m.ID == "" {
		m.ID = util.NewID("metric")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO metrics (id, team_id, name, dashboard_chart_id, integration)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.TeamID, m.Name, m.DashboardChartID, m.Integration)
	if err != nil {
		return Metric{}, fmt.Errorf("insert metric: %w", err)
	}
	return m, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
