package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(NewDescriptor("res.country",
		Field{Name: "name", Kind: KindText},
	))
	reg.Register(NewDescriptor("res.partner",
		Field{Name: "name", Kind: KindText},
		Field{Name: "country_id", Kind: KindMany2One, Target: "res.country"},
		Field{Name: "child_ids", Kind: KindOne2Many, Target: "res.partner", Inverse: "parent_id"},
	))
	return reg
}

func TestField_IsRelationalAndIsToMany(t *testing.T) {
	assert.True(t, Field{Kind: KindMany2One}.IsRelational())
	assert.True(t, Field{Kind: KindOne2Many}.IsRelational())
	assert.True(t, Field{Kind: KindMany2Many}.IsRelational())
	assert.False(t, Field{Kind: KindText}.IsRelational())

	assert.True(t, Field{Kind: KindOne2Many}.IsToMany())
	assert.True(t, Field{Kind: KindMany2Many}.IsToMany())
	assert.False(t, Field{Kind: KindMany2One}.IsToMany())
}

func TestDescriptor_FieldLookup(t *testing.T) {
	d := NewDescriptor("res.partner", Field{Name: "name", Kind: KindText})
	f, ok := d.Field("name")
	require.True(t, ok)
	assert.Equal(t, KindText, f.Kind)

	_, ok = d.Field("missing")
	assert.False(t, ok)
}

func TestRegistry_ResolveSingleHop(t *testing.T) {
	reg := testRegistry()
	partner, _ := reg.Get("res.partner")

	d, f, ok := reg.Resolve(partner, []string{"name"})
	require.True(t, ok)
	assert.Equal(t, "res.partner", d.Name)
	assert.Equal(t, "name", f.Name)
}

func TestRegistry_ResolveDottedPathThroughMany2One(t *testing.T) {
	reg := testRegistry()
	partner, _ := reg.Get("res.partner")

	d, f, ok := reg.Resolve(partner, []string{"country_id", "name"})
	require.True(t, ok)
	assert.Equal(t, "res.country", d.Name)
	assert.Equal(t, "name", f.Name)
}

func TestRegistry_ResolveRejectsHopThroughNonMany2One(t *testing.T) {
	reg := testRegistry()
	partner, _ := reg.Get("res.partner")

	_, _, ok := reg.Resolve(partner, []string{"child_ids", "name"})
	assert.False(t, ok, "one2many is not a traversable hop")
}

func TestRegistry_ResolveUnknownFieldFails(t *testing.T) {
	reg := testRegistry()
	partner, _ := reg.Get("res.partner")
	_, _, ok := reg.Resolve(partner, []string{"nonexistent"})
	assert.False(t, ok)
}

func TestRegistry_ResolveUnregisteredTargetFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewDescriptor("res.partner",
		Field{Name: "country_id", Kind: KindMany2One, Target: "res.country"},
	))
	partner, _ := reg.Get("res.partner")
	_, _, ok := reg.Resolve(partner, []string{"country_id", "name"})
	assert.False(t, ok, "country_id's target was never registered")
}
