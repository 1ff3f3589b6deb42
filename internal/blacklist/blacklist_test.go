package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
)

var linux = gpuinfo.OSInfo{Type: gpuinfo.OSLinux, Version: "6.1.0"}

func nvidia(driverVersion string) *gpuinfo.GPUInfo {
	return &gpuinfo.GPUInfo{
		GPU:           gpuinfo.Device{VendorID: gpuinfo.VendorNVIDIA, DeviceID: 0x0640, Active: true},
		DriverVendor:  "NVIDIA",
		DriverVersion: driverVersion,
	}
}

func mustLoad(t *testing.T, src string) *List {
	t.Helper()
	l, err := LoadJSON([]byte(src))
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	return l
}

func TestFeatureCountAndNames(t *testing.T) {
	if NumFeatures != 11 {
		t.Fatalf("NumFeatures = %d, want 11", NumFeatures)
	}
	for _, f := range AllFeatures() {
		got, err := ParseFeature(f.String())
		if err != nil || got != f {
			t.Fatalf("round trip of %v failed: %v", f, err)
		}
	}
}

func TestMakeDecisionVendorAndDriverVersion(t *testing.T) {
	l := mustLoad(t, `{"name":"t","version":"1","entries":[
		{"id":1,"os":{"type":"linux"},"vendor_id":"0x10de","driver_version":{"op":"<","value":"331.20"},"features":["webgl","gpu_compositing"]},
		{"id":2,"os":{"type":"win"},"features":["all"]}
	]}`)

	d := l.MakeDecision(linux, nvidia("319.32"))
	if !reflect.DeepEqual(d.EntryIDs, []int{1}) {
		t.Fatalf("EntryIDs = %v", d.EntryIDs)
	}
	if !d.Features.HasFeature(FeatureWebGL) || !d.Features.HasFeature(FeatureGPUCompositing) || len(d.Features) != 2 {
		t.Fatalf("Features = %v", d.Features.Sorted())
	}

	d = l.MakeDecision(linux, nvidia("535.54.03"))
	if len(d.EntryIDs) != 0 {
		t.Fatalf("newer driver should not match, got %v", d.EntryIDs)
	}
}

func TestMakeDecisionExceptionCancelsEntry(t *testing.T) {
	l := mustLoad(t, `{"name":"t","version":"1","entries":[
		{"id":7,"vendor_id":"0x10de","features":["all"],
		 "exceptions":[{"vendor_id":"0x10de","device_id":["0x0640"]}]}
	]}`)
	if d := l.MakeDecision(linux, nvidia("1.0")); len(d.EntryIDs) != 0 {
		t.Fatalf("exception should cancel entry, got %v", d.EntryIDs)
	}
	other := nvidia("1.0")
	other.GPU.DeviceID = 0x0641
	if d := l.MakeDecision(linux, other); len(d.Features) != NumFeatures {
		t.Fatalf("all features expected, got %v", d.Features.Sorted())
	}
}

func TestMakeDecisionMissingInfoDoesNotMatch(t *testing.T) {
	l := mustLoad(t, `{"name":"t","version":"1","entries":[
		{"id":3,"gl_renderer":"(?i).*software.*","features":["all"]}
	]}`)

	preliminary := nvidia("535")
	if d := l.MakeDecision(linux, preliminary); len(d.EntryIDs) != 0 {
		t.Fatal("gl_renderer rule must not match before context info exists")
	}

	full := nvidia("535")
	full.GLRenderer = "Software Rasterizer"
	if d := l.MakeDecision(linux, full); len(d.EntryIDs) != 1 {
		t.Fatal("gl_renderer rule should match full info")
	}
}

func TestMakeDecisionMultiGPUCategory(t *testing.T) {
	l := mustLoad(t, `{"name":"t","version":"1","entries":[
		{"id":1,"vendor_id":"0x10de","multi_gpu_category":"secondary","features":["webgl"]},
		{"id":2,"vendor_id":"0x10de","features":["webgl2"]},
		{"id":3,"vendor_id":"0x10de","multi_gpu_category":"active","features":["flash_3d"]}
	]}`)
	info := &gpuinfo.GPUInfo{
		GPU:           gpuinfo.Device{VendorID: gpuinfo.VendorIntel, DeviceID: 0x0166, Active: true},
		SecondaryGPUs: []gpuinfo.Device{{VendorID: gpuinfo.VendorNVIDIA, DeviceID: 0x0fd5}},
	}
	d := l.MakeDecision(linux, info)
	if !reflect.DeepEqual(d.EntryIDs, []int{1}) {
		t.Fatalf("EntryIDs = %v, want [1]", d.EntryIDs)
	}
}

func TestMakeDecisionOSVersion(t *testing.T) {
	l := mustLoad(t, `{"name":"t","version":"1","entries":[
		{"id":1,"os":{"type":"win","version":{"op":"between","value":"6.0","value2":"6.1"}},"features":["flash_stage3d_baseline"]}
	]}`)
	vista := gpuinfo.OSInfo{Type: gpuinfo.OSWindows, Version: "6.0.6002"}
	win10 := gpuinfo.OSInfo{Type: gpuinfo.OSWindows, Version: "10.0.19045"}
	if d := l.MakeDecision(vista, &gpuinfo.GPUInfo{}); len(d.EntryIDs) != 1 {
		t.Fatal("6.0 should be within between 6.0 and 6.1")
	}
	if d := l.MakeDecision(win10, &gpuinfo.GPUInfo{}); len(d.EntryIDs) != 0 {
		t.Fatal("10.0 should be outside the range")
	}
}

func TestWorkaroundsAndExtensions(t *testing.T) {
	l := mustLoad(t, `{"name":"bugs","version":"1","entries":[
		{"id":1,"vendor_id":"0x10de","workarounds":["exit_on_context_lost","disable_d3d11"],"disabled_extensions":["GL_B","GL_A"]},
		{"id":2,"vendor_id":"0x10de","workarounds":["7"],"disabled_extensions":["GL_A"]}
	]}`)
	d := l.MakeDecision(linux, nvidia("1"))
	if got := d.Workarounds.Join(","); got != "5,7" {
		t.Fatalf("workarounds = %q, want 5,7", got)
	}
	if !reflect.DeepEqual(d.DisabledExtensions, []string{"GL_A", "GL_B"}) {
		t.Fatalf("DisabledExtensions = %v", d.DisabledExtensions)
	}
}

func TestDriverDate(t *testing.T) {
	l := mustLoad(t, `{"name":"t","version":"1","entries":[
		{"id":1,"driver_date":{"op":"<","value":"2015.3"},"features":["webgl"]}
	]}`)
	old := &gpuinfo.GPUInfo{DriverDate: "11-20-2014"}
	recent := &gpuinfo.GPUInfo{DriverDate: "1-5-2016"}
	if d := l.MakeDecision(linux, old); len(d.EntryIDs) != 1 {
		t.Fatal("2014 driver should match < 2015.3")
	}
	if d := l.MakeDecision(linux, recent); len(d.EntryIDs) != 0 {
		t.Fatal("2016 driver should not match")
	}
}

func TestMalformedListsAreRejected(t *testing.T) {
	tests := map[string]string{
		"bad json":         `{"entries": [`,
		"unknown feature":  `{"entries":[{"id":1,"features":["teleport"]}]}`,
		"duplicate id":     `{"entries":[{"id":1},{"id":1}]}`,
		"zero id":          `{"entries":[{"id":0}]}`,
		"bad regex":        `{"entries":[{"id":1,"gl_vendor":"("}]}`,
		"bad op":           `{"entries":[{"id":1,"driver_version":{"op":"~","value":"1"}}]}`,
		"bad version":      `{"entries":[{"id":1,"driver_version":{"op":"<","value":"abc"}}]}`,
		"unknown os":       `{"entries":[{"id":1,"os":{"type":"plan9"}}]}`,
		"device no vendor": `{"entries":[{"id":1,"device_id":["0x1"]}]}`,
		"unknown field":    `{"entries":[{"id":1,"colour":"red"}]}`,
		"empty exception":  `{"entries":[{"id":1,"exceptions":[{}]}]}`,
		"bad workaround":   `{"entries":[{"id":1,"workarounds":["make_faster"]}]}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadJSON([]byte(src))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestBuiltinListsCompile(t *testing.T) {
	for name, src := range map[string][]byte{"blacklist": BuiltinBlacklist(), "bugs": BuiltinDriverBugList()} {
		l, err := LoadJSON(src)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if l.Len() == 0 {
			t.Fatalf("%s: empty", name)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	src := `name: yaml list
version: "2"
entries:
  - id: 9
    description: old mesa
    os:
      type: linux
    driver_vendor: Mesa
    driver_version:
      op: "<"
      value: "10.0"
    features: [webgl]
`
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	info := &gpuinfo.GPUInfo{DriverVendor: "Mesa", DriverVersion: "9.2.1"}
	d := l.MakeDecision(linux, info)
	if !d.Features.HasFeature(FeatureWebGL) {
		t.Fatalf("expected webgl blacklisted, got %v", d.Features.Sorted())
	}
	if d.Reasons[0].Description != "old mesa" {
		t.Fatalf("reason = %+v", d.Reasons[0])
	}
}

func TestSchemaDescribesEntries(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if !strings.Contains(string(data), "gl_renderer") || !strings.Contains(string(data), "exceptions") {
		t.Fatalf("schema missing rule fields")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		have, op, want string
		match           bool
	}{
		{"10.1.3", "<", "10.1.4", true},
		{"10.1", "=", "10", true},
		{"8.98.2", ">=", "8.98", true},
		{"331.20", "<", "331.20", false},
		{"2.1-beta", ">", "2.0", true},
	}
	for _, tt := range tests {
		v := &VersionSpec{Op: tt.op, Value: tt.want}
		if got := v.matches(tt.have, false); got != tt.match {
			t.Errorf("%s %s %s = %v, want %v", tt.have, tt.op, tt.want, got, tt.match)
		}
	}
}

func TestWatchReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.json")
	if err := os.WriteFile(path, []byte(`{"name":"a","version":"1","entries":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *List, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{path}, func(_ string, l *List) { reloaded <- l })
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"name":"a","version":"2","entries":[{"id":1,"features":["webgl"]}]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case l := <-reloaded:
		if l.Version() != "2" || l.Len() != 1 {
			t.Fatalf("reloaded list = %s/%d", l.Version(), l.Len())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
}
