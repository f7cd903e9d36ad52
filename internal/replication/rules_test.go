package replication

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/entity"
	"netsync/internal/protocol"
)

func TestSendRules(t *testing.T) {
	owner := protocol.NewHandle()
	e := &Entity{Owner: owner, Updates: entity.NewEntityUpdates()}
	e.Move(at(0, 0, 0))

	near := &Viewer{Handle: owner, Focus: mgl32.Vec3{3, 0, 4}, HasFocus: true}
	far := &Viewer{Handle: protocol.NewHandle(), Focus: mgl32.Vec3{30, 0, 40}, HasFocus: true}
	blind := &Viewer{Handle: protocol.NewHandle()}

	tests := []struct {
		name string
		rule Rule
		v    *Viewer
		want bool
	}{
		{"always", Always{}, blind, true},
		{"owner", OwnerOnly{}, near, true},
		{"not owner", OwnerOnly{}, far, false},
		{"in range edge", WithinRange{Radius: 5}, near, true},
		{"out of range", WithinRange{Radius: 5}, far, false},
		{"no focus", WithinRange{Radius: 1000}, blind, false},
		{"all of", AllOf{Rules: []Rule{OwnerOnly{}, WithinRange{Radius: 5}}}, near, true},
		{"all of fails", AllOf{Rules: []Rule{OwnerOnly{}, WithinRange{Radius: 1}}}, near, false},
		{"empty all of", AllOf{}, far, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Allow(e, tt.v); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestOwnerOnlyServerOwned(t *testing.T) {
	e := &Entity{Owner: protocol.NoHandle}
	if (OwnerOnly{}).Allow(e, &Viewer{Handle: protocol.NoHandle}) {
		t.Error("Server-owned entity must not match a zero viewer handle")
	}
}

func TestRangeOf(t *testing.T) {
	if _, ok := rangeOf([]Rule{Always{}, OwnerOnly{}}); ok {
		t.Error("Expected no range bound")
	}
	r, ok := rangeOf([]Rule{WithinRange{Radius: 20}, AllOf{Rules: []Rule{WithinRange{Radius: 8}}}})
	if !ok || r != 8 {
		t.Errorf("Expected tightest bound 8, got %v %v", r, ok)
	}
}

func TestInterestGrid(t *testing.T) {
	g := NewInterestGrid(10)
	g.Insert(0, mgl32.Vec3{1, 0, 1})
	g.Insert(1, mgl32.Vec3{-15, 0, -15})
	g.Insert(2, mgl32.Vec3{500, 0, 500})

	got := map[int]bool{}
	for _, idx := range g.QueryRadius(mgl32.Vec3{0, 0, 0}, 20) {
		got[idx] = true
	}
	if !got[0] || !got[1] {
		t.Errorf("Expected nearby candidates 0 and 1, got %v", got)
	}
	if got[2] {
		t.Error("Expected distant index excluded")
	}

	g.Clear()
	if n := len(g.QueryRadius(mgl32.Vec3{0, 0, 0}, 1000)); n != 0 {
		t.Errorf("Expected empty grid after Clear, got %d", n)
	}
	if g.Occupied() != 0 {
		t.Errorf("Expected 0 occupied cells, got %d", g.Occupied())
	}
}

func TestQuatEulerIdentity(t *testing.T) {
	if got := quatEuler(mgl32.QuatIdent()); got != (mgl32.Vec3{}) {
		t.Errorf("Expected zero angles, got %v", got)
	}
	yaw := quatEuler(mgl32.QuatRotate(mgl32.DegToRad(90), mgl32.Vec3{0, 0, 1}))
	if d := yaw.Z() - mgl32.DegToRad(90); d > 1e-4 || d < -1e-4 {
		t.Errorf("Expected 90 degree yaw, got %v", yaw)
	}
}
