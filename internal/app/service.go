package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"teamcanvas/api/internal/auth"
	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/config"
	"teamcanvas/api/internal/history"
	"teamcanvas/api/internal/logging"
	"teamcanvas/api/internal/rbac"
	"teamcanvas/api/internal/store"
)

// LeaseTimeout is the edit session lifetime used when the config leaves it
// unset.
const LeaseTimeout = 60 * time.Second

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
	// Tab distinguishes several editor sessions of the same user. Empty means
	// the user as a whole.
	Tab string
}

// HolderID is the identity an edit session lease is held under.
func (s Session) HolderID() string {
	if s.Tab == "" {
		return s.UserID
	}
	return s.UserID + "/" + s.Tab
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	EnsureTeam(context.Context, string, string) (store.Team, error)
	EnsureMembership(context.Context, string, string, string) error
	MemberRole(context.Context, string, string) (string, error)
	SetMemberRole(context.Context, string, string, string) error
	ListMembers(context.Context, string) ([]store.Member, error)
	LoadCanvas(context.Context, string) (store.Canvas, error)
	SaveCanvas(context.Context, store.Canvas) error
	ListRoles(context.Context, string) ([]store.Role, error)
	GetRole(context.Context, string, string) (store.Role, error)
	CreateRole(context.Context, store.Role) (store.Role, error)
	UpdateRole(context.Context, store.Role) (store.Role, error)
	DeleteRole(context.Context, string, string) error
	SetRoleMetric(context.Context, string, string, string) (store.Role, error)
	ListMetrics(context.Context, string) ([]store.Metric, error)
	InsertMetric(context.Context, store.Metric) (store.Metric, error)
	Ping(ctx context.Context) error
}

// leaseStore is implemented by store.PostgresStore and session.RedisStore.
type leaseStore interface {
	AcquireLease(ctx context.Context, canvasID, holderID, holderName string, ttl time.Duration) (store.Lease, bool, error)
	HeartbeatLease(ctx context.Context, canvasID, holderID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, canvasID, holderID string) error
	CurrentLease(ctx context.Context, canvasID string, ttl time.Duration) (store.Lease, bool, error)
}

type historyService interface {
	Commit(canvasID string, snap canvas.StoredSnapshot, author, message string) (store.Version, bool, error)
	History(canvasID string, limit int) ([]store.Version, error)
	Get(canvasID, hash string) (canvas.StoredSnapshot, store.Version, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	leases   leaseStore
	history  historyService
	tokens   *auth.Signer
	leaseTTL time.Duration
	log      logr.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, leases leaseStore, historyService *history.Service) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		leases:   leases,
		tokens:   auth.NewSigner([]byte(cfg.JWTSecret), cfg.AccessTTL),
		leaseTTL: LeaseTimeout,
		log:      logging.Log().WithName("app"),
	}
	if cfg.LeaseTTL > 0 {
		s.leaseTTL = cfg.LeaseTTL
	}
	if historyService != nil {
		s.history = historyService
	}
	return s
}

const demoTeamID = "team-demo"

// Bootstrap seeds a demo team with a couple of metrics so a fresh database
// has a canvas to open.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.EnsureTeam(ctx, demoTeamID, "Demo team"); err != nil {
		return err
	}
	metrics, err := s.store.ListMetrics(ctx, demoTeamID)
	if err != nil {
		return err
	}
	if len(metrics) > 0 {
		return nil
	}
	for _, m := range []store.Metric{
		{ID: "metric-demo-mrr", TeamID: demoTeamID, Name: "Monthly recurring revenue"},
		{ID: "metric-demo-nps", TeamID: demoTeamID, Name: "Net promoter score", Integration: "survey"},
	} {
		if _, err := s.store.InsertMetric(ctx, m); err != nil {
			return err
		}
	}
	s.log.Info("Seeded demo team", "team", demoTeamID)
	return nil
}

// Login issues a token for the named user. When teamID is set the user is
// added to that team as an editor, creating the team if needed.
func (s *Service) Login(ctx context.Context, name, teamID string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	if teamID = strings.TrimSpace(teamID); teamID != "" {
		if _, err := s.store.EnsureTeam(ctx, teamID, teamID); err != nil {
			return Session{}, err
		}
		if err := s.store.EnsureMembership(ctx, teamID, user.ID, string(rbac.RoleEditor)); err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	token, claims, err := s.tokens.Issue(user.ID, user.DisplayName)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// TeamRole is the caller's role in the team. Non-members get a 404 so team
// ids cannot be discovered.
func (s *Service) TeamRole(ctx context.Context, session Session, teamID string) (string, error) {
	role, err := s.store.MemberRole(ctx, teamID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", notFound("Team not found")
	}
	if err != nil {
		return "", fmt.Errorf("resolve team role: %w", err)
	}
	return role, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Check is the outcome of probing one backing dependency.
type Check struct {
	Name string
	Err  error
}

// Readiness checks the database and, when leases live elsewhere, the lease
// backend.
func (s *Service) Readiness(ctx context.Context) []Check {
	checks := []Check{{Name: "database", Err: s.store.Ping(ctx)}}
	if p, ok := s.leases.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, Check{Name: "leases", Err: p.Ping(ctx)})
	}
	return checks
}
