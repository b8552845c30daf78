package kvtree

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if p.Fanout() != 8 {
		t.Fatalf("default fanout %d", p.Fanout())
	}
}

func TestValidateFillsZeroValues(t *testing.T) {
	var p Params
	if err := p.Validate(); err != nil {
		t.Fatalf("zero params invalid: %v", err)
	}
	if p.FanoutBits == 0 || p.DepthMax == 0 || p.LockBuckets == 0 || p.MaxSpills == 0 {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	for _, p := range []Params{
		{FanoutBits: 9},
		{FanoutBits: 3, DepthMax: 99},
		{FanoutBits: 3, DepthMax: 2, PrefixLen: -1},
		{FanoutBits: 3, DepthMax: 2, MaxPages: -1},
	} {
		if err := p.Validate(); err == nil {
			t.Fatalf("params %+v validated", p)
		}
	}
}

func TestLoadParamsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.yaml")
	doc := "fanout_bits: 2\ndepth_max: 4\nprefix_len: 12\ncapped: true\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := LoadParams(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Fanout() != 4 || p.DepthMax != 4 || p.PrefixLen != 12 || !p.Capped {
		t.Fatalf("loaded %+v", p)
	}
	// Unspecified fields take defaults.
	if p.LockBuckets == 0 || p.MaxSpills == 0 {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestLoadParamsErrors(t *testing.T) {
	if _, err := LoadParams(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file loaded")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("fanout_bits: {nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadParams(path); err == nil {
		t.Fatal("malformed yaml loaded")
	}
}
