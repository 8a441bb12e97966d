package app

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"teamcanvas/api/internal/auth"
	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/config"
	"teamcanvas/api/internal/store"
)

const testSecret = "test-secret"

// fakeStore is an in-memory dataStore.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	teams    map[string]store.Team
	members  map[string]map[string]string // team -> user -> role
	canvases map[string]store.Canvas
	roles    map[string]store.Role
	metrics  []store.Metric
	nextID   int
	pingErr  error
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]store.User{},
		teams:    map[string]store.Team{},
		members:  map[string]map[string]string{},
		canvases: map[string]store.Canvas{},
		roles:    map[string]store.Role{},
	}
}

func (f *fakeStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.DisplayName == name {
			return u, nil
		}
	}
	f.nextID++
	u := store.User{ID: fmt.Sprintf("user-%d", f.nextID), DisplayName: name}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) EnsureTeam(_ context.Context, id, name string) (store.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.teams[id]
	if !ok {
		t = store.Team{ID: id, Name: name}
		f.teams[id] = t
	}
	return t, nil
}

func (f *fakeStore) EnsureMembership(_ context.Context, teamID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[teamID] == nil {
		f.members[teamID] = map[string]string{}
	}
	if _, ok := f.members[teamID][userID]; !ok {
		f.members[teamID][userID] = role
	}
	return nil
}

func (f *fakeStore) MemberRole(_ context.Context, teamID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.members[teamID][userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return role, nil
}

func (f *fakeStore) SetMemberRole(_ context.Context, teamID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[teamID][userID]; !ok {
		return store.ErrNotFound
	}
	f.members[teamID][userID] = role
	return nil
}

func (f *fakeStore) ListMembers(_ context.Context, teamID string) ([]store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Member
	for userID, role := range f.members[teamID] {
		out = append(out, store.Member{TeamID: teamID, UserID: userID, DisplayName: f.users[userID].DisplayName, Role: role})
	}
	return out, nil
}

func (f *fakeStore) LoadCanvas(_ context.Context, teamID string) (store.Canvas, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.teams[teamID]; !ok {
		return store.Canvas{}, store.ErrNotFound
	}
	c, ok := f.canvases[teamID]
	if !ok {
		return store.Canvas{TeamID: teamID}, nil
	}
	return c, nil
}

func (f *fakeStore) SaveCanvas(_ context.Context, c store.Canvas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	c.UpdatedAt = time.Now()
	f.canvases[c.TeamID] = c
	return nil
}

func (f *fakeStore) ListRoles(_ context.Context, teamID string) ([]store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Role
	for _, r := range f.roles {
		if r.TeamID == teamID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRole(_ context.Context, teamID, roleID string) (store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[roleID]
	if !ok || r.TeamID != teamID {
		return store.Role{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) CreateRole(_ context.Context, r store.Role) (store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = fmt.Sprintf("role-%d", f.nextID)
	f.roles[r.ID] = r
	return r, nil
}

func (f *fakeStore) UpdateRole(_ context.Context, r store.Role) (store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.roles[r.ID]
	if !ok || existing.TeamID != r.TeamID {
		return store.Role{}, store.ErrNotFound
	}
	r.MetricID = existing.MetricID
	f.roles[r.ID] = r
	return r, nil
}

func (f *fakeStore) DeleteRole(_ context.Context, teamID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[roleID]
	if !ok || r.TeamID != teamID {
		return store.ErrNotFound
	}
	delete(f.roles, roleID)
	return nil
}

func (f *fakeStore) SetRoleMetric(_ context.Context, teamID, roleID, metricID string) (store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[roleID]
	if !ok || r.TeamID != teamID {
		return store.Role{}, store.ErrNotFound
	}
	if metricID != "" {
		found := false
		for _, m := range f.metrics {
			if m.ID == metricID && m.TeamID == teamID {
				found = true
			}
		}
		if !found {
			return store.Role{}, store.ErrNotFound
		}
	}
	r.MetricID = metricID
	f.roles[roleID] = r
	return r, nil
}

func (f *fakeStore) ListMetrics(_ context.Context, teamID string) ([]store.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Metric
	for _, m := range f.metrics {
		if m.TeamID == teamID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertMetric(_ context.Context, m store.Metric) (store.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, m)
	return m, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

// fakeLeases keeps leases in memory with the same semantics as the real
// backends.
type fakeLeases struct {
	mu     sync.Mutex
	leases map[string]store.Lease
	now    time.Time
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{leases: map[string]store.Lease{}, now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeLeases) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeLeases) AcquireLease(_ context.Context, canvasID, holderID, holderName string, ttl time.Duration) (store.Lease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.leases[canvasID]
	if ok && cur.Live(f.now, ttl) && cur.HolderID != holderID {
		return cur, false, nil
	}
	lease := store.Lease{CanvasID: canvasID, HolderID: holderID, HolderName: holderName, AcquiredAt: f.now, LastHeartbeatAt: f.now}
	if ok && cur.HolderID == holderID && cur.Live(f.now, ttl) {
		lease.AcquiredAt = cur.AcquiredAt
	}
	f.leases[canvasID] = lease
	return lease, true, nil
}

func (f *fakeLeases) HeartbeatLease(_ context.Context, canvasID, holderID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.leases[canvasID]
	if !ok || cur.HolderID != holderID || !cur.Live(f.now, ttl) {
		return false, nil
	}
	cur.LastHeartbeatAt = f.now
	f.leases[canvasID] = cur
	return true, nil
}

func (f *fakeLeases) ReleaseLease(_ context.Context, canvasID, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.leases[canvasID]; ok && cur.HolderID == holderID {
		delete(f.leases, canvasID)
	}
	return nil
}

func (f *fakeLeases) CurrentLease(_ context.Context, canvasID string, ttl time.Duration) (store.Lease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.leases[canvasID]
	if !ok || !cur.Live(f.now, ttl) {
		return store.Lease{}, false, nil
	}
	return cur, true, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	commits []canvas.StoredSnapshot
	err     error
}

func (f *fakeHistory) Commit(_ string, snap canvas.StoredSnapshot, author, message string) (store.Version, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Version{}, false, f.err
	}
	f.commits = append(f.commits, snap)
	return store.Version{Hash: fmt.Sprintf("%07d", len(f.commits)), Author: author, Message: message, CreatedAt: time.Now()}, true, nil
}

func (f *fakeHistory) History(_ string, limit int) ([]store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Version{}
	for i := len(f.commits); i > 0 && len(out) < limit; i-- {
		out = append(out, store.Version{Hash: fmt.Sprintf("%07d", i), Message: "Save canvas"})
	}
	return out, nil
}

func (f *fakeHistory) Get(_ string, hash string) (canvas.StoredSnapshot, store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var i int
	if _, err := fmt.Sscanf(hash, "%d", &i); err != nil || i < 1 || i > len(f.commits) {
		return canvas.StoredSnapshot{}, store.Version{}, store.ErrNotFound
	}
	return f.commits[i-1], store.Version{Hash: hash, Message: "Save canvas"}, nil
}

type testEnv struct {
	store   *fakeStore
	leases  *fakeLeases
	history *fakeHistory
	service *Service
	server  *HTTPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: newFakeStore(), leases: newFakeLeases(), history: &fakeHistory{}}
	env.service = &Service{
		cfg:      config.Config{JWTSecret: testSecret, AccessTTL: time.Hour},
		store:    env.store,
		leases:   env.leases,
		history:  env.history,
		tokens:   auth.NewSigner([]byte(testSecret), time.Hour),
		leaseTTL: LeaseTimeout,
		log:      logr.Discard(),
	}
	env.server = NewHTTPServer(env.service, "*")
	env.server.log = logr.Discard()
	return env
}

// member creates a user in team with the given role and returns a token.
func (e *testEnv) member(t *testing.T, teamID, name, role string) (string, store.User) {
	t.Helper()
	ctx := context.Background()
	user, err := e.store.EnsureUserByName(ctx, name)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := e.store.EnsureTeam(ctx, teamID, teamID); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	if err := e.store.EnsureMembership(ctx, teamID, user.ID, role); err != nil {
		t.Fatalf("ensure membership: %v", err)
	}
	token, _, err := e.service.tokens.Issue(user.ID, user.DisplayName)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token, user
}

func (e *testEnv) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}
