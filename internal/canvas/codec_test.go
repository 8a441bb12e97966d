package canvas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecords() Records {
	return Records{
		Roles: []Role{
			{ID: "r1", Title: "Head of Growth", Purpose: "Grow revenue", AssigneeID: "u1", MetricID: "m1"},
			{ID: "r2", Title: "Support Lead", Purpose: "Keep customers happy"},
		},
		Metrics: []Metric{
			{ID: "m1", Name: "MRR", DashboardChartID: "chart-1", Integration: "stripe"},
			{ID: "m2", Name: "NPS"},
		},
		Members: []Member{{ID: "u1", DisplayName: "Avery"}},
	}
}

func TestEncodeStripsDisplayFields(t *testing.T) {
	idx := testRecords().Index()
	snap := Snapshot{
		Nodes: []Node{
			{ID: "n1", Type: NodeRole, Position: Position{X: 1, Y: 2}, Width: 180, Height: 80, Selected: true,
				Role: idx.RoleDisplay(Committed("r1"), idx.Roles["r1"])},
			{ID: "n2", Type: NodeChart, Position: Position{X: 3, Y: 4}, Chart: idx.ChartDisplay(idx.Metrics["m1"])},
			{ID: "n3", Type: NodeText, Position: Position{X: 5, Y: 6}, Width: 200, Height: 40, Text: &TextData{Text: "Q3 goals", FontSize: FontLarge}},
			freehandNode("n4"),
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2", Type: EdgeMetric, Metric: &MetricLink{Role: Committed("r1"), MetricID: "m1"}},
			{ID: "e2", Source: "n1", Target: "n4", Type: EdgeStructural},
			{ID: ProximityEdgeID, Source: "n1", Target: "n3", Type: EdgeProximity},
		},
		Viewport: &Viewport{X: 10, Y: 20, Zoom: 1.5},
	}

	stored := Encode(snap)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"nodes": [
			{"id":"n1","type":"role-node","position":{"x":1,"y":2},"data":{"roleId":"r1"}},
			{"id":"n2","type":"chart-node","position":{"x":3,"y":4},"data":{"dashboardMetricId":"m1"}},
			{"id":"n3","type":"text-node","position":{"x":5,"y":6},"data":{"text":"Q3 goals","fontSize":"lg"},"width":200,"height":40}
		],
		"edges": [
			{"id":"e1","source":"n1","target":"n2","type":"metric","data":{"roleId":"r1","metricId":"m1"}}
		],
		"viewport": {"x":10,"y":20,"zoom":1.5}
	}`, string(raw))
}

func TestEncodeSkipsPendingRoles(t *testing.T) {
	snap := Snapshot{
		Nodes: []Node{
			{ID: "n1", Type: NodeRole, Role: &RoleData{Ref: Pending("temp-abc")}},
			chartNode("n2", "m1", 0, 0),
		},
		Edges: []Edge{{ID: "e1", Source: "n1", Target: "n2", Type: EdgeMetric, Metric: &MetricLink{Role: Pending("temp-abc"), MetricID: "m1"}}},
	}
	stored := Encode(snap)
	require.Len(t, stored.Nodes, 1)
	assert.Equal(t, "n2", stored.Nodes[0].ID)
	assert.Empty(t, stored.Edges)
}

func TestRoundTripIsIdempotent(t *testing.T) {
	records := testRecords()
	idx := records.Index()
	original := Snapshot{
		Nodes: []Node{
			{ID: "n1", Type: NodeRole, Position: Position{X: 1, Y: 2}, Role: idx.RoleDisplay(Committed("r1"), idx.Roles["r1"])},
			{ID: "n2", Type: NodeRole, Position: Position{X: 300, Y: 2}, Role: idx.RoleDisplay(Committed("r2"), idx.Roles["r2"])},
			{ID: "n3", Type: NodeChart, Position: Position{X: 3, Y: 400}, Chart: idx.ChartDisplay(idx.Metrics["m1"])},
			{ID: "n4", Type: NodeText, Position: Position{X: 5, Y: 6}, Width: 200, Height: 40, Text: &TextData{Text: "hello", FontSize: FontSmall}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2", Type: EdgeStructural},
			{ID: "e2", Source: "n1", Target: "n3", Type: EdgeMetric, Metric: &MetricLink{Role: Committed("r1"), MetricID: "m1"}},
		},
		Viewport: &Viewport{X: -40, Y: 12, Zoom: 0.8},
	}

	raw, err := json.Marshal(Encode(original))
	require.NoError(t, err)
	var stored StoredSnapshot
	require.NoError(t, json.Unmarshal(raw, &stored))

	assert.Equal(t, original, Decode(stored, records))
}

func TestDecodeDropsOrphans(t *testing.T) {
	stored := StoredSnapshot{
		Nodes: []StoredNode{
			{ID: "n1", Type: NodeRole, Data: StoredNodeData{RoleID: "r1"}},
		},
	}
	decoded := Decode(stored, Records{})
	assert.Empty(t, decoded.Nodes)
	assert.Empty(t, decoded.Edges)
}

func TestDecodeDropsDanglingEdgesSecondPass(t *testing.T) {
	stored := StoredSnapshot{
		Nodes: []StoredNode{
			{ID: "keep", Type: NodeRole, Data: StoredNodeData{RoleID: "r2"}},
			{ID: "gone", Type: NodeRole, Data: StoredNodeData{RoleID: "deleted"}},
			{ID: "chart", Type: NodeChart, Data: StoredNodeData{DashboardMetricID: "m-deleted"}},
			{ID: "sketch", Type: NodeFreehand},
		},
		Edges: []StoredEdge{
			{ID: "e1", Source: "keep", Target: "gone"},
			{ID: "e2", Source: "chart", Target: "keep", Type: EdgeMetric, Data: &StoredEdgeData{RoleID: "r2", MetricID: "m-deleted"}},
			{ID: "e3", Source: "keep", Target: "keep-missing"},
		},
	}
	decoded := Decode(stored, testRecords())
	require.Len(t, decoded.Nodes, 1)
	assert.Equal(t, "keep", decoded.Nodes[0].ID)
	assert.Equal(t, "Support Lead", decoded.Nodes[0].Role.Title)
	assert.Empty(t, decoded.Edges)
}

func TestDecodeDerivesDisplayFields(t *testing.T) {
	stored := StoredSnapshot{
		Nodes: []StoredNode{
			{ID: "n1", Type: NodeRole, Data: StoredNodeData{RoleID: "r1"}},
			{ID: "n2", Type: NodeChart, Data: StoredNodeData{DashboardMetricID: "m1"}},
		},
		Edges: []StoredEdge{{ID: "e1", Source: "n1", Target: "n2", Type: EdgeMetric, Data: &StoredEdgeData{RoleID: "r1", MetricID: "m1"}}},
	}
	decoded := Decode(stored, testRecords())
	require.Len(t, decoded.Nodes, 2)

	role := decoded.Nodes[0].Role
	assert.Equal(t, "Head of Growth", role.Title)
	assert.Equal(t, "Avery", role.AssigneeName)
	assert.Equal(t, "MRR", role.MetricName)

	chart := decoded.Nodes[1].Chart
	assert.Equal(t, "chart-1", chart.DashboardChartID)
	assert.True(t, chart.ReadOnly, "integration-backed metrics are read-only")

	require.Len(t, decoded.Edges, 1)
	assert.Equal(t, &MetricLink{Role: Committed("r1"), MetricID: "m1"}, decoded.Edges[0].Metric)
}
