package propolis_test

import (
	"testing"

	propolis "github.com/propolis/propolis"
)

func TestObjectString(t *testing.T) {
	obj := propolis.Object{Type: "Control", ID: 42}
	if got := obj.String(); got != "Control:42" {
		t.Errorf("String() = %q, want Control:42", got)
	}
}

func TestObjectACLObject(t *testing.T) {
	obj := propolis.Object{Type: "Audit", ID: 7}
	if obj.ACLObject() != obj {
		t.Error("ACLObject should return the object itself")
	}
}

type fakeControl struct{ id int64 }

func (c fakeControl) ACLObject() propolis.Object {
	return propolis.Object{Type: "Control", ID: c.id}
}

func TestObjectLike(t *testing.T) {
	var ol propolis.ObjectLike = fakeControl{id: 3}
	if got := ol.ACLObject(); got.Type != "Control" || got.ID != 3 {
		t.Errorf("ACLObject() = %v, want Control:3", got)
	}
}

func TestPermissionsAllows(t *testing.T) {
	p := propolis.Permissions{Read: true, Update: true}
	if !p.Allows(propolis.ActionRead) {
		t.Error("read bit set, Allows(read) should be true")
	}
	if !p.Allows(propolis.ActionUpdate) {
		t.Error("update bit set, Allows(update) should be true")
	}
	if p.Allows(propolis.ActionDelete) {
		t.Error("delete bit unset, Allows(delete) should be false")
	}
	if p.Allows(propolis.Action("bogus")) {
		t.Error("unknown action should never be allowed")
	}
}
