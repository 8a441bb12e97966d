package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

type Team struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID          string
	DisplayName string
	Role        string
}

type Member struct {
	TeamID      string
	UserID      string
	DisplayName string
	Role        string
}

type Role struct {
	ID         string
	TeamID     string
	Title      string
	Purpose    string
	AssigneeID string
	MetricID   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Metric struct {
	ID               string
	TeamID           string
	Name             string
	DashboardChartID string
	Integration      string
}

// Canvas is the stored form of a team canvas. Nodes, edges and viewport are
// kept as raw JSON; the engine owns their shape.
type Canvas struct {
	TeamID    string
	Nodes     json.RawMessage
	Edges     json.RawMessage
	Viewport  json.RawMessage
	UpdatedBy string
	UpdatedAt time.Time
}

// Lease is the single-writer edit session of one canvas.
type Lease struct {
	CanvasID        string
	HolderID        string
	HolderName      string
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
}

// Live reports whether the lease is still within its timeout at now.
func (l Lease) Live(now time.Time, ttl time.Duration) bool {
	return l.HolderID != "" && now.Sub(l.LastHeartbeatAt) < ttl
}

// Version is one entry of a canvas's snapshot history.
type Version struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
