package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"teamcanvas/api/internal/store"
)

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("parse response %q: %v", body, err)
	}
	return payload
}

const sampleCanvas = `{
	"nodes": [
		{"id":"n1","type":"role-node","position":{"x":0,"y":0},"data":{"roleId":"role-1"}},
		{"id":"n2","type":"text-node","position":{"x":10,"y":20},"data":{"text":"hello","fontSize":"md"},"width":120,"height":40}
	],
	"edges": [],
	"viewport": {"x":1,"y":2,"zoom":1.5}
}`

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", rr.Code)
	}

	env.store.pingErr = errors.New("connection refused")
	rr = env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready: expected 503, got %d", rr.Code)
	}
	payload := decode(t, rr.Body.String())
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestLoginIssuesTokenAndJoinsTeam(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/session/login", "", `{"name":"Avery","teamId":"team-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decode(t, rr.Body.String())
	token, _ := payload["token"].(string)
	if token == "" || payload["userName"] != "Avery" {
		t.Fatalf("unexpected login payload %v", payload)
	}

	rr = env.do(t, http.MethodGet, "/api/session", token, "")
	if got := decode(t, rr.Body.String()); got["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", got)
	}

	rr = env.do(t, http.MethodGet, "/api/teams/team-1/canvas", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("new member should load the canvas, got %d", rr.Code)
	}
}

func TestLoginRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/session/login", "", `{"name":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if got := decode(t, rr.Body.String()); got["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", got["code"])
	}
}

func TestTeamRoutesRequireBearer(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/teams/team-1/canvas", "/api/teams/team-1/edit-session"} {
		rr := env.do(t, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
	rr := env.do(t, http.MethodGet, "/api/teams/team-1/canvas", "not-a-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}
}

func TestNonMemberGetsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Avery", "editor")
	if _, err := env.store.EnsureTeam(t.Context(), "team-2", "Other"); err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, http.MethodGet, "/api/teams/team-2/canvas", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestViewerWriteEndpointsAreForbidden(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Vic", "viewer")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "save canvas", method: http.MethodPut, path: "/api/teams/team-1/canvas", body: sampleCanvas},
		{name: "acquire", method: http.MethodPost, path: "/api/teams/team-1/edit-session/acquire", body: `{}`},
		{name: "create role", method: http.MethodPost, path: "/api/teams/team-1/roles", body: `{"title":"Lead"}`},
		{name: "assign metric", method: http.MethodPut, path: "/api/teams/team-1/roles/role-1/metric", body: `{"metricId":"m1"}`},
		{name: "set member role", method: http.MethodPut, path: "/api/teams/team-1/members/user-1", body: `{"role":"admin"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, tc.method, tc.path, token, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			if got := decode(t, rr.Body.String()); got["code"] != "FORBIDDEN" {
				t.Fatalf("expected FORBIDDEN, got %v", got["code"])
			}
		})
	}

	rr := env.do(t, http.MethodGet, "/api/teams/team-1/edit-session", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("viewer check: expected 200, got %d", rr.Code)
	}
	if got := decode(t, rr.Body.String()); got["canEdit"] != false {
		t.Fatalf("viewer must not be able to edit, got %v", got)
	}
}

func TestLoadCanvasPayloadShape(t *testing.T) {
	env := newTestEnv(t)
	token, user := env.member(t, "team-1", "Avery", "editor")
	env.store.metrics = append(env.store.metrics, store.Metric{ID: "m1", TeamID: "team-1", Name: "MRR"})
	env.store.roles["role-1"] = store.Role{ID: "role-1", TeamID: "team-1", Title: "Head of Growth", AssigneeID: user.ID, MetricID: "m1"}

	rr := env.do(t, http.MethodGet, "/api/teams/team-1/canvas", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decode(t, rr.Body.String())
	c, ok := payload["canvas"].(map[string]any)
	if !ok {
		t.Fatalf("missing canvas in %v", payload)
	}
	if nodes, ok := c["nodes"].([]any); !ok || len(nodes) != 0 {
		t.Fatalf("unsaved canvas should have an empty node list, got %v", c["nodes"])
	}
	if _, present := c["viewport"]; present {
		t.Fatalf("unsaved canvas has no viewport, got %v", c["viewport"])
	}
	for _, key := range []string{"roles", "metrics", "members"} {
		items, ok := payload[key].([]any)
		if !ok || len(items) != 1 {
			t.Fatalf("expected one %s, got %v", key, payload[key])
		}
	}
	role := payload["roles"].([]any)[0].(map[string]any)
	if role["metricId"] != "m1" || role["assigneeId"] != user.ID {
		t.Fatalf("unexpected role payload %v", role)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Avery", "editor")

	rr := env.do(t, http.MethodPut, "/api/teams/team-1/canvas", token, sampleCanvas)
	if rr.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/teams/team-1/canvas", token, "")
	c := decode(t, rr.Body.String())["canvas"].(map[string]any)
	if len(c["nodes"].([]any)) != 2 {
		t.Fatalf("expected two nodes, got %v", c["nodes"])
	}
	vp := c["viewport"].(map[string]any)
	if vp["zoom"] != 1.5 {
		t.Fatalf("viewport not kept: %v", vp)
	}
	if len(env.history.commits) != 1 {
		t.Fatalf("expected one history commit, got %d", len(env.history.commits))
	}
}

func TestSaveRejectsInvalidSnapshot(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Avery", "editor")

	tests := []struct {
		name string
		body string
	}{
		{name: "duplicate ids", body: `{"nodes":[{"id":"a","type":"text-node"},{"id":"a","type":"text-node"}],"edges":[]}`},
		{name: "freehand node", body: `{"nodes":[{"id":"a","type":"freehand-node"}],"edges":[]}`},
		{name: "proximity edge", body: `{"nodes":[],"edges":[{"id":"e","source":"a","target":"b","type":"proximity"}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPut, "/api/teams/team-1/canvas", token, tc.body)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
			}
			if got := decode(t, rr.Body.String()); got["code"] != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %v", got["code"])
			}
		})
	}
}

func TestSaveFailureIsServerError(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Avery", "editor")
	env.store.saveErr = errors.New("disk full")

	rr := env.do(t, http.MethodPut, "/api/teams/team-1/canvas", token, sampleCanvas)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if len(env.history.commits) != 0 {
		t.Fatal("failed save must not be recorded in history")
	}
}

func TestEditSessionMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.member(t, "team-1", "Alice", "editor")
	bob, _ := env.member(t, "team-1", "Bob", "editor")

	rr := env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", alice, "")
	if got := decode(t, rr.Body.String()); got["granted"] != true {
		t.Fatalf("alice should be granted, got %v", got)
	}

	rr = env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", bob, "")
	got := decode(t, rr.Body.String())
	if got["granted"] != false || got["holderName"] != "Alice" {
		t.Fatalf("bob should see alice as holder, got %v", got)
	}

	rr = env.do(t, http.MethodGet, "/api/teams/team-1/edit-session", bob, "")
	got = decode(t, rr.Body.String())
	if got["canEdit"] != false || got["editingUserName"] != "Alice" {
		t.Fatalf("unexpected check payload %v", got)
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/canvas", bob, sampleCanvas)
	if rr.Code != http.StatusConflict {
		t.Fatalf("bob's save should conflict, got %d", rr.Code)
	}
	got = decode(t, rr.Body.String())
	if got["code"] != "EDIT_LOCKED" {
		t.Fatalf("expected EDIT_LOCKED, got %v", got["code"])
	}
	if details, _ := got["details"].(map[string]any); details["holderName"] != "Alice" {
		t.Fatalf("expected holder in details, got %v", got["details"])
	}

	rr = env.do(t, http.MethodPost, "/api/teams/team-1/roles", bob, `{"title":"Lead"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("bob's role mutation should conflict, got %d", rr.Code)
	}

	env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/release", alice, "")
	rr = env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", bob, "")
	if got := decode(t, rr.Body.String()); got["granted"] != true {
		t.Fatalf("bob should be granted after release, got %v", got)
	}
}

func TestEditSessionsAreHeldPerTab(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Alice", "editor")

	rr := env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", token, "", editSessionHeader, "tab-1")
	if got := decode(t, rr.Body.String()); got["granted"] != true {
		t.Fatalf("first tab should be granted, got %v", got)
	}
	rr = env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", token, "", editSessionHeader, "tab-2")
	if got := decode(t, rr.Body.String()); got["granted"] != false {
		t.Fatalf("second tab should be read-only, got %v", got)
	}
}

func TestHeartbeatAfterExpiryIsGone(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Alice", "editor")

	env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", token, "")
	rr := env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/heartbeat", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d", rr.Code)
	}

	env.leases.advance(LeaseTimeout + time.Second)
	rr = env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/heartbeat", token, "")
	if rr.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rr.Code)
	}
	if got := decode(t, rr.Body.String()); got["code"] != "EDIT_SESSION_EXPIRED" {
		t.Fatalf("expected EDIT_SESSION_EXPIRED, got %v", got["code"])
	}
}

func TestExpiredLeaseNoLongerBlocksOthers(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.member(t, "team-1", "Alice", "editor")
	bob, _ := env.member(t, "team-1", "Bob", "editor")

	env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", alice, "")
	env.leases.advance(LeaseTimeout)

	rr := env.do(t, http.MethodPut, "/api/teams/team-1/canvas", bob, sampleCanvas)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once alice's lease lapsed, got %d", rr.Code)
	}
}

func TestBeaconAcceptsQueryToken(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Alice", "editor")
	env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", token, "", editSessionHeader, "tab-1")

	rr := env.do(t, http.MethodPost, "/api/teams/team-1/canvas/beacon?token="+token+"&session=tab-1", "", sampleCanvas)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := env.store.canvases["team-1"]; !ok {
		t.Fatal("beacon payload was not stored")
	}

	rr = env.do(t, http.MethodGet, "/api/teams/team-1/canvas?token="+token, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("query tokens are only accepted on the beacon, got %d", rr.Code)
	}
}

func TestRoleAndMetricFlow(t *testing.T) {
	env := newTestEnv(t)
	token, user := env.member(t, "team-1", "Avery", "editor")
	env.store.metrics = append(env.store.metrics,
		store.Metric{ID: "m1", TeamID: "team-1", Name: "MRR"},
		store.Metric{ID: "m-other", TeamID: "team-2", Name: "Churn"},
	)

	rr := env.do(t, http.MethodPost, "/api/teams/team-1/roles", token, `{"title":"Support Lead","assigneeId":"`+user.ID+`"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	role := decode(t, rr.Body.String())
	roleID, _ := role["id"].(string)
	if roleID == "" || role["title"] != "Support Lead" {
		t.Fatalf("unexpected role %v", role)
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/roles/"+roleID+"/metric", token, `{"metricId":"m1"}`)
	if rr.Code != http.StatusOK || decode(t, rr.Body.String())["metricId"] != "m1" {
		t.Fatalf("assign: got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/roles/"+roleID+"/metric", token, `{"metricId":"m-other"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("metric of another team: expected 404, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/roles/"+roleID, token, `{"title":"Support Director"}`)
	if rr.Code != http.StatusOK || decode(t, rr.Body.String())["metricId"] != "m1" {
		t.Fatalf("update must keep the metric: got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodDelete, "/api/teams/team-1/roles/"+roleID+"/metric", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unassign: expected 200, got %d", rr.Code)
	}
	if _, present := decode(t, rr.Body.String())["metricId"]; present {
		t.Fatal("metricId should be cleared")
	}

	rr = env.do(t, http.MethodDelete, "/api/teams/team-1/roles/"+roleID, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/api/teams/team-1/roles/"+roleID, token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rr.Code)
	}
}

func TestUnknownRoleIsNotFoundWhileLocked(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.member(t, "team-1", "Alice", "editor")
	bob, _ := env.member(t, "team-1", "Bob", "editor")
	env.do(t, http.MethodPost, "/api/teams/team-1/edit-session/acquire", alice, "")

	requests := []struct{ method, path, body string }{
		{http.MethodPut, "/api/teams/team-1/roles/role-missing", `{"title":"Lead"}`},
		{http.MethodDelete, "/api/teams/team-1/roles/role-missing", ""},
		{http.MethodPut, "/api/teams/team-1/roles/role-missing/metric", `{"metricId":"m1"}`},
		{http.MethodDelete, "/api/teams/team-1/roles/role-missing/metric", ""},
	}
	for _, req := range requests {
		rr := env.do(t, req.method, req.path, bob, req.body)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d body=%s", req.method, req.path, rr.Code, rr.Body.String())
		}
		if got := decode(t, rr.Body.String()); got["error"] != "Role not found" {
			t.Fatalf("%s %s: unexpected error %v", req.method, req.path, got["error"])
		}
	}
}

func TestRoleValidation(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Avery", "editor")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "missing title", method: http.MethodPost, path: "/api/teams/team-1/roles", body: `{"title":"  "}`},
		{name: "assignee not a member", method: http.MethodPost, path: "/api/teams/team-1/roles", body: `{"title":"Lead","assigneeId":"stranger"}`},
		{name: "missing metric id", method: http.MethodPut, path: "/api/teams/team-1/roles/role-1/metric", body: `{}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, tc.method, tc.path, token, tc.body)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHistoryRoutes(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Avery", "editor")

	env.do(t, http.MethodPut, "/api/teams/team-1/canvas", token, sampleCanvas)
	env.do(t, http.MethodPut, "/api/teams/team-1/canvas", token, `{"nodes":[],"edges":[]}`)

	rr := env.do(t, http.MethodGet, "/api/teams/team-1/canvas/history?limit=1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rr.Code)
	}
	versions := decode(t, rr.Body.String())["versions"].([]any)
	if len(versions) != 1 {
		t.Fatalf("expected one version, got %d", len(versions))
	}

	rr = env.do(t, http.MethodGet, "/api/teams/team-1/canvas/history/0000001", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("version: expected 200, got %d", rr.Code)
	}
	c := decode(t, rr.Body.String())["canvas"].(map[string]any)
	if len(c["nodes"].([]any)) != 2 {
		t.Fatalf("expected the first saved graph, got %v", c)
	}

	rr = env.do(t, http.MethodGet, "/api/teams/team-1/canvas/history/deadbee", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown version: expected 404, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/teams/team-1/canvas/history?limit=x", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit: expected 422, got %d", rr.Code)
	}
}

func TestMemberAdministration(t *testing.T) {
	env := newTestEnv(t)
	admin, adminUser := env.member(t, "team-1", "Ada", "admin")
	_, bob := env.member(t, "team-1", "Bob", "editor")

	rr := env.do(t, http.MethodGet, "/api/teams/team-1/members", admin, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	if members := decode(t, rr.Body.String())["members"].([]any); len(members) != 2 {
		t.Fatalf("expected two members, got %v", members)
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/members/"+bob.ID, admin, `{"role":"viewer"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("demote bob: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if role, _ := env.store.MemberRole(t.Context(), "team-1", bob.ID); role != "viewer" {
		t.Fatalf("expected viewer, got %q", role)
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/members/"+adminUser.ID, admin, `{"role":"editor"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("self demotion: expected 422, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/members/"+bob.ID, admin, `{"role":"owner"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown role: expected 422, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, "/api/teams/team-1/members/nobody", admin, `{"role":"viewer"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown member: expected 404, got %d", rr.Code)
	}
}

func TestUnknownRoutes(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.member(t, "team-1", "Avery", "editor")

	rr := env.do(t, http.MethodGet, "/api/teams/team-1/widgets", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPatch, "/api/teams/team-1/canvas", token, "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), editSessionHeader) {
		t.Fatal("CORS headers must allow the edit session header")
	}
}

type pingableLeases struct {
	*fakeLeases
	err error
}

func (p pingableLeases) Ping(context.Context) error { return p.err }

func TestReadyReportsLeaseBackend(t *testing.T) {
	env := newTestEnv(t)
	env.service.leases = pingableLeases{fakeLeases: env.leases, err: errors.New("redis unavailable")}

	rr := env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	checks, _ := decode(t, rr.Body.String())["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	leases, _ := checks["leases"].(map[string]any)
	if database["status"] != "ok" || leases["status"] != "error" {
		t.Fatalf("unexpected checks %v", checks)
	}
}
