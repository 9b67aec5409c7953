package record

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	kinds := c.Kinds()
	if len(kinds) != 2 || kinds[0] != KindAntibiotic || kinds[1] != KindInjectable {
		t.Fatalf("kinds = %v", kinds)
	}

	opt, ok := c.Lookup(KindAntibiotic, "ceftriaxona")
	if !ok {
		t.Fatal("ceftriaxona missing")
	}
	if opt.Dosage.Default() != "1G" {
		t.Errorf("default dosage = %q", opt.Dosage.Default())
	}

	if _, ok := c.Lookup(KindInjectable, "ceftriaxona"); ok {
		t.Error("lookup must be scoped by kind")
	}
}

func TestResolveSelectionsPreservesOrder(t *testing.T) {
	c := DefaultCatalog()

	lines, err := c.ResolveSelections(KindAntibiotic, []Selection{
		{OptionID: "vancomicina", Dosage: "500MG"},
		{OptionID: "ceftriaxona", Dosage: "2G", Posology: "24/24H", Schedule: "08H"},
	})
	if err != nil {
		t.Fatalf("ResolveSelections: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0].Medication != "VANCOMICINA" || lines[0].Dose != "500MG" {
		t.Errorf("first line = %+v", lines[0])
	}
	if lines[1].Dose != "2G" || lines[1].Frequency != "24/24H" || lines[1].Time != "08H" {
		t.Errorf("second line = %+v", lines[1])
	}

	_, err = c.ResolveSelections(KindAntibiotic, []Selection{{OptionID: "nope"}})
	if !errors.Is(err, ErrUnknownOption) {
		t.Errorf("expected ErrUnknownOption, got %v", err)
	}
}

func TestLoadCatalog(t *testing.T) {
	src := `{"antibiotics":[{"id":"a","name":"A","dosage":["1G","2G"],"route":"EV","posology":"8/8H","observation":"","schedule":"08H"}]}`
	c, err := LoadCatalog(strings.NewReader(src))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	opts, ok := c.List(KindAntibiotic)
	if !ok || len(opts) != 1 {
		t.Fatalf("list = %v, %v", opts, ok)
	}

	dup := `{"antibiotics":[{"id":"a","name":"A"},{"id":"a","name":"B"}]}`
	if _, err := LoadCatalog(strings.NewReader(dup)); err == nil {
		t.Error("duplicate ids should be rejected")
	}
}
