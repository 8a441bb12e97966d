// Package layout positions canvas nodes. The force simulation gives dragging
// its magnetic feel; AutoArrange is the one-shot layered or grid layout.
package layout

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"teamcanvas/api/internal/canvas"
)

// Body is one simulated node. A body with Fixed set does not move.
type Body struct {
	ID    string
	Pos   r2.Vec
	Vel   r2.Vec
	Fixed *r2.Vec
}

// Link pulls two bodies, given by index, towards Params.LinkDistance.
type Link struct {
	Source, Target int
}

// State is everything a tick reads and writes.
type State struct {
	Bodies      []Body
	Alpha       float64
	AlphaTarget float64
}

// Params are the force constants. The defaults follow d3-force, scaled up for
// canvas cards that are a couple hundred units wide.
type Params struct {
	Charge         float64
	LinkDistance   float64
	CollideRadius  float64
	Center         r2.Vec
	CenterStrength float64
	VelocityDecay  float64
	AlphaDecay     float64
	AlphaMin       float64
}

func DefaultParams() Params {
	return Params{
		Charge:         -400,
		LinkDistance:   220,
		CollideRadius:  110,
		CenterStrength: 0.05,
		VelocityDecay:  0.4,
		AlphaDecay:     1 - math.Pow(0.001, 1.0/300),
		AlphaMin:       0.001,
	}
}

func (s State) Clone() State {
	out := s
	out.Bodies = make([]Body, len(s.Bodies))
	for i, b := range s.Bodies {
		out.Bodies[i] = b
		if b.Fixed != nil {
			f := *b.Fixed
			out.Bodies[i].Fixed = &f
		}
	}
	return out
}

// Step advances the simulation by one tick and returns the new state. It is
// a pure function of its inputs.
func Step(in State, links []Link, p Params) State {
	s := in.Clone()
	s.Alpha += (s.AlphaTarget - s.Alpha) * p.AlphaDecay
	b := s.Bodies
	n := len(b)
	if n == 0 {
		return s
	}

	// link attraction
	degree := make([]int, n)
	for _, l := range links {
		degree[l.Source]++
		degree[l.Target]++
	}
	for i, l := range links {
		src, dst := &b[l.Source], &b[l.Target]
		d := r2.Sub(r2.Add(dst.Pos, dst.Vel), r2.Add(src.Pos, src.Vel))
		length := r2.Norm(d)
		if length == 0 {
			d, length = jiggle(i), r2.Norm(jiggle(i))
		}
		strength := 1 / float64(min(degree[l.Source], degree[l.Target]))
		k := (length - p.LinkDistance) / length * s.Alpha * strength
		d = r2.Scale(k, d)
		bias := float64(degree[l.Source]) / float64(degree[l.Source]+degree[l.Target])
		dst.Vel = r2.Sub(dst.Vel, r2.Scale(bias, d))
		src.Vel = r2.Add(src.Vel, r2.Scale(1-bias, d))
	}

	// charge repulsion
	for i := range b {
		for j := range b {
			if i == j {
				continue
			}
			d := r2.Sub(b[j].Pos, b[i].Pos)
			l2 := r2.Norm2(d)
			if l2 == 0 {
				d = jiggle(i*n + j)
				l2 = r2.Norm2(d)
			}
			l2 = math.Max(l2, 1)
			b[i].Vel = r2.Add(b[i].Vel, r2.Scale(p.Charge*s.Alpha/l2, d))
		}
	}

	// collision
	if p.CollideRadius > 0 {
		r := 2 * p.CollideRadius
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				d := r2.Sub(r2.Add(b[i].Pos, b[i].Vel), r2.Add(b[j].Pos, b[j].Vel))
				l := r2.Norm(d)
				if l >= r {
					continue
				}
				if l == 0 {
					d = jiggle(i*n + j)
					l = r2.Norm(d)
				}
				push := r2.Scale((r-l)/l*0.5, d)
				b[i].Vel = r2.Add(b[i].Vel, push)
				b[j].Vel = r2.Sub(b[j].Vel, push)
			}
		}
	}

	// centering
	if p.CenterStrength > 0 {
		var mean r2.Vec
		for i := range b {
			mean = r2.Add(mean, b[i].Pos)
		}
		mean = r2.Scale(1/float64(n), mean)
		shift := r2.Scale(p.CenterStrength, r2.Sub(p.Center, mean))
		for i := range b {
			b[i].Pos = r2.Add(b[i].Pos, shift)
		}
	}

	for i := range b {
		if b[i].Fixed != nil {
			b[i].Pos, b[i].Vel = *b[i].Fixed, r2.Vec{}
			continue
		}
		b[i].Vel = r2.Scale(1-p.VelocityDecay, b[i].Vel)
		b[i].Pos = r2.Add(b[i].Pos, b[i].Vel)
	}
	return s
}

// jiggle is a small deterministic offset for coincident bodies.
func jiggle(seed int) r2.Vec {
	a := float64(seed%360) * math.Pi / 180
	return r2.Vec{X: 1e-6 * math.Cos(a), Y: 1e-6 * math.Sin(a)}
}

func toVec(p canvas.Position) r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

func toPosition(v r2.Vec) canvas.Position { return canvas.Position{X: v.X, Y: v.Y} }
