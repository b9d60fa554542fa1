package catalog

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/assetsync/internal/poll"
	"github.com/danmuck/assetsync/internal/testutil/testlog"
)

func fakeDescriptor(desc string) Descriptor {
	return Descriptor{
		Description: desc,
		Write:       func(context.Context, string, any) error { return nil },
		Check: func(context.Context, string, any) (CheckResult, error) {
			return CheckResult{Applied: true}, nil
		},
		Policy: poll.FixedPolicy(10*time.Millisecond, 3),
	}
}

func TestRegisterLookupAndHas(t *testing.T) {
	testlog.Start(t)
	c := New()
	if err := c.Register("metadata.title", fakeDescriptor("title")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !c.Has("metadata.title") {
		t.Fatalf("expected metadata.title to be registered")
	}
	d, err := c.Lookup("metadata.title")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Description != "title" {
		t.Fatalf("unexpected descriptor: %q", d.Description)
	}
}

func TestLookupUnregisteredFails(t *testing.T) {
	testlog.Start(t)
	c := New()
	if c.Has("labels.add") {
		t.Fatalf("expected empty catalog")
	}
	if _, err := c.Lookup("labels.add"); !errors.Is(err, ErrUnregisteredOperation) {
		t.Fatalf("expected ErrUnregisteredOperation, got %v", err)
	}
}

func TestReRegisterReplaces(t *testing.T) {
	testlog.Start(t)
	c := New()
	if err := c.Register("metadata.title", fakeDescriptor("first")); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := c.Register("metadata.title", fakeDescriptor("second")); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	d, err := c.Lookup("metadata.title")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Description != "second" {
		t.Fatalf("expected replacement, got %q", d.Description)
	}
	if c.Len() != 1 {
		t.Fatalf("expected one entry, got %d", c.Len())
	}
}

func TestListSorted(t *testing.T) {
	testlog.Start(t)
	c := New()
	for _, op := range []string{"usage-rights.set", "archived.set", "metadata.title"} {
		if err := c.Register(op, fakeDescriptor(op)); err != nil {
			t.Fatalf("register %s: %v", op, err)
		}
	}
	want := []string{"archived.set", "metadata.title", "usage-rights.set"}
	if got := c.List(); !reflect.DeepEqual(got, want) {
		t.Fatalf("list not sorted: got=%v want=%v", got, want)
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	testlog.Start(t)
	c := New()
	for _, op := range []string{"", "Metadata.Title", ".title", "metadata..title", "title."} {
		if err := c.Register(op, fakeDescriptor("x")); !errors.Is(err, ErrInvalidOperation) {
			t.Fatalf("expected ErrInvalidOperation for %q, got %v", op, err)
		}
	}

	noWrite := fakeDescriptor("x")
	noWrite.Write = nil
	noCheck := fakeDescriptor("x")
	noCheck.Check = nil
	badPolicy := fakeDescriptor("x")
	badPolicy.Policy = poll.Policy{}
	badCascade := fakeDescriptor("x")
	badCascade.Cascades = []Cascade{{Operation: "Labels"}}

	for i, d := range []Descriptor{noWrite, noCheck, badPolicy, badCascade} {
		if err := c.Register("metadata.title", d); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("case %d: expected ErrInvalidDescriptor, got %v", i, err)
		}
	}
	if c.Has("metadata.title") {
		t.Fatalf("invalid descriptors must not be stored")
	}
}

func TestCascadeValue(t *testing.T) {
	testlog.Start(t)
	identity := Cascade{Operation: "labels.add"}
	if got := identity.Value("shoot"); got != "shoot" {
		t.Fatalf("identity cascade changed value: %v", got)
	}
	upper := Cascade{Operation: "labels.add", Transform: func(v any) any { return "shoot:" + v.(string) }}
	if got := upper.Value("spring"); got != "shoot:spring" {
		t.Fatalf("unexpected transformed value: %v", got)
	}
}
