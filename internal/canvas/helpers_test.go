package canvas

import "time"

func roleNode(id, roleID string, x, y float64) Node {
	return Node{ID: id, Type: NodeRole, Position: Position{X: x, Y: y}, Role: &RoleData{Ref: Committed(roleID), Title: "Role " + roleID}}
}

func chartNode(id, metricID string, x, y float64) Node {
	return Node{ID: id, Type: NodeChart, Position: Position{X: x, Y: y}, Chart: &ChartData{MetricID: metricID, MetricName: "Metric " + metricID}}
}

func freehandNode(id string) Node {
	return Node{ID: id, Type: NodeFreehand, Freehand: &FreehandData{Points: []Position{{X: 1, Y: 1}, {X: 2, Y: 2}}}}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// settledStore returns an initialized store whose settle window has passed.
func settledStore(snap Snapshot) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewStore("team-1", WithClock(clock.Now), WithSettleWindow(time.Second))
	s.Initialize(snap)
	clock.Advance(2 * time.Second)
	return s, clock
}
