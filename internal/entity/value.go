// Package entity tracks replicated per-entity state and computes the minimal
// per-tick deltas sent to viewers.
//
// State is a two-level map: node path -> field name -> Value. The root node
// "." always exists. Gameplay systems write through ChangedDetection during
// the update phase; the replication system calls Commit once in post-update.
package entity

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Kind tags a Value variant on the wire. Never renumber an existing kind.
type Kind uint8

const (
	KindInt Kind = iota
	KindUInt8
	KindString
	KindStringVec
	KindFloat
	KindTransform
	KindColor
	KindBool
	KindVec3
	KindVec2
	KindAttachedItem
	KindWornItem
	KindWornItemNotAttached
)

var kindNames = [...]string{
	KindInt:                 "int",
	KindUInt8:               "uint8",
	KindString:              "string",
	KindStringVec:           "string_vec",
	KindFloat:               "float",
	KindTransform:           "transform",
	KindColor:               "color",
	KindBool:                "bool",
	KindVec3:                "vec3",
	KindVec2:                "vec2",
	KindAttachedItem:        "attached_item",
	KindWornItem:            "worn_item",
	KindWornItemNotAttached: "worn_item_not_attached",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one replicated field value. Equal compares payloads of the same
// variant; values of different variants are never equal.
type Value interface {
	Kind() Kind
	Equal(other Value) bool
}

type (
	Int       int64
	UInt8     uint8
	String    string
	StringVec []string
	Float     float32
	Bool      bool
	Vec3      mgl32.Vec3
	Vec2      mgl32.Vec2
)

// Transform is translation, euler rotation and scale.
type Transform struct {
	_msgpack    struct{}   `msgpack:",as_array"`
	Translation mgl32.Vec3 `json:"translation"`
	Rotation    mgl32.Vec3 `json:"rotation"`
	Scale       mgl32.Vec3 `json:"scale"`
}

// Color is linear RGBA.
type Color struct {
	_msgpack struct{} `msgpack:",as_array"`
	R        float32  `json:"r"`
	G        float32  `json:"g"`
	B        float32  `json:"b"`
	A        float32  `json:"a"`
}

// AttachedItem is an item held by an entity, positioned relative to its holder.
type AttachedItem struct {
	_msgpack    struct{}   `msgpack:",as_array"`
	Entity      uint64     `json:"entity"`
	Translation mgl32.Vec3 `json:"translation"`
	Rotation    mgl32.Quat `json:"rotation"`
	Scale       mgl32.Vec3 `json:"scale"`
}

// WornItem is an item worn in an attachment slot.
type WornItem struct {
	_msgpack    struct{}   `msgpack:",as_array"`
	Name        string     `json:"name"`
	Entity      uint64     `json:"entity"`
	Slot        string     `json:"slot"`
	Translation mgl32.Vec3 `json:"translation"`
	Rotation    mgl32.Quat `json:"rotation"`
	Scale       mgl32.Vec3 `json:"scale"`
}

// WornItemNotAttached is a worn item without a visual attachment.
type WornItemNotAttached struct {
	_msgpack struct{} `msgpack:",as_array"`
	Name     string   `json:"name"`
	Entity   uint64   `json:"entity"`
	Slot     string   `json:"slot"`
}

func (Int) Kind() Kind                 { return KindInt }
func (UInt8) Kind() Kind               { return KindUInt8 }
func (String) Kind() Kind              { return KindString }
func (StringVec) Kind() Kind           { return KindStringVec }
func (Float) Kind() Kind               { return KindFloat }
func (Transform) Kind() Kind           { return KindTransform }
func (Color) Kind() Kind               { return KindColor }
func (Bool) Kind() Kind                { return KindBool }
func (Vec3) Kind() Kind                { return KindVec3 }
func (Vec2) Kind() Kind                { return KindVec2 }
func (AttachedItem) Kind() Kind        { return KindAttachedItem }
func (WornItem) Kind() Kind            { return KindWornItem }
func (WornItemNotAttached) Kind() Kind { return KindWornItemNotAttached }

func (v Int) Equal(o Value) bool {
	other, ok := o.(Int)
	return ok && v == other
}

func (v UInt8) Equal(o Value) bool {
	other, ok := o.(UInt8)
	return ok && v == other
}

func (v String) Equal(o Value) bool {
	other, ok := o.(String)
	return ok && v == other
}

func (v StringVec) Equal(o Value) bool {
	other, ok := o.(StringVec)
	if !ok || len(v) != len(other) {
		return false
	}
	for i := range v {
		if v[i] != other[i] {
			return false
		}
	}
	return true
}

func (v Float) Equal(o Value) bool {
	other, ok := o.(Float)
	return ok && v == other
}

func (v Transform) Equal(o Value) bool {
	other, ok := o.(Transform)
	return ok && v.Translation == other.Translation &&
		v.Rotation == other.Rotation &&
		v.Scale == other.Scale
}

// Equal requires every channel to match, so a change in any one channel is
// detected.
func (v Color) Equal(o Value) bool {
	other, ok := o.(Color)
	return ok && v.R == other.R && v.G == other.G && v.B == other.B && v.A == other.A
}

func (v Bool) Equal(o Value) bool {
	other, ok := o.(Bool)
	return ok && v == other
}

func (v Vec3) Equal(o Value) bool {
	other, ok := o.(Vec3)
	return ok && v == other
}

func (v Vec2) Equal(o Value) bool {
	other, ok := o.(Vec2)
	return ok && v == other
}

func (v AttachedItem) Equal(o Value) bool {
	other, ok := o.(AttachedItem)
	return ok && v.Entity == other.Entity &&
		v.Translation == other.Translation &&
		v.Rotation == other.Rotation &&
		v.Scale == other.Scale
}

func (v WornItem) Equal(o Value) bool {
	other, ok := o.(WornItem)
	return ok && v.Name == other.Name &&
		v.Entity == other.Entity &&
		v.Slot == other.Slot &&
		v.Translation == other.Translation &&
		v.Rotation == other.Rotation &&
		v.Scale == other.Scale
}

func (v WornItemNotAttached) Equal(o Value) bool {
	other, ok := o.(WornItemNotAttached)
	return ok && v.Name == other.Name && v.Entity == other.Entity && v.Slot == other.Slot
}
