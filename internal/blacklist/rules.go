// Package blacklist evaluates declarative GPU rule lists against a GPUInfo
// snapshot. The same format serves the feature blacklist and the
// driver-bug workaround list.
package blacklist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
)

// Version comparison operators.
const (
	OpEQ      = "="
	OpLT      = "<"
	OpLE      = "<="
	OpGT      = ">"
	OpGE      = ">="
	OpAny     = "any"
	OpBetween = "between"
)

// Multi-GPU categories select which device vendor_id/device_id apply to.
const (
	GPUPrimary   = "primary"
	GPUSecondary = "secondary"
	GPUActive    = "active"
	GPUAny       = "any"
)

// VersionSpec constrains a dotted version or a date.
type VersionSpec struct {
	Op     string `json:"op" yaml:"op" jsonschema:"enum==,enum=<,enum=<=,enum=>,enum=>=,enum=any,enum=between"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
	Value2 string `json:"value2,omitempty" yaml:"value2,omitempty" jsonschema:"description=Upper bound for between"`
}

// OSCondition restricts an entry to an OS family and version range.
type OSCondition struct {
	Type    string       `json:"type" yaml:"type" jsonschema:"enum=linux,enum=win,enum=macosx,enum=android,enum=chromeos,enum=any"`
	Version *VersionSpec `json:"version,omitempty" yaml:"version,omitempty"`
}

// Conditions are ANDed together. An absent condition always matches.
type Conditions struct {
	OS               *OSCondition `json:"os,omitempty" yaml:"os,omitempty"`
	VendorID         string       `json:"vendor_id,omitempty" yaml:"vendor_id,omitempty" jsonschema:"pattern=^0x[0-9a-fA-F]{1,4}$"`
	DeviceIDs        []string     `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	MultiGPUCategory string       `json:"multi_gpu_category,omitempty" yaml:"multi_gpu_category,omitempty" jsonschema:"enum=primary,enum=secondary,enum=active,enum=any"`
	DriverVendor     string       `json:"driver_vendor,omitempty" yaml:"driver_vendor,omitempty" jsonschema:"description=Regular expression"`
	DriverVersion    *VersionSpec `json:"driver_version,omitempty" yaml:"driver_version,omitempty"`
	DriverDate       *VersionSpec `json:"driver_date,omitempty" yaml:"driver_date,omitempty"`
	GLVendor         string       `json:"gl_vendor,omitempty" yaml:"gl_vendor,omitempty" jsonschema:"description=Regular expression"`
	GLRenderer       string       `json:"gl_renderer,omitempty" yaml:"gl_renderer,omitempty" jsonschema:"description=Regular expression"`
	MachineModelName []string     `json:"machine_model_name,omitempty" yaml:"machine_model_name,omitempty"`
}

// Entry is one rule.
type Entry struct {
	ID          int    `json:"id" yaml:"id" jsonschema:"minimum=1"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	CRBugs      []int  `json:"cr_bugs,omitempty" yaml:"cr_bugs,omitempty"`

	Conditions `yaml:",inline"`

	Features           []string     `json:"features,omitempty" yaml:"features,omitempty" jsonschema:"description=Feature names or all"`
	Workarounds        []string     `json:"workarounds,omitempty" yaml:"workarounds,omitempty" jsonschema:"description=Workaround names or numeric ids"`
	DisabledExtensions []string     `json:"disabled_extensions,omitempty" yaml:"disabled_extensions,omitempty"`
	Exceptions         []Conditions `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
}

// File is the on-disk shape of a rule list.
type File struct {
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version" yaml:"version"`
	Entries []Entry `json:"entries" yaml:"entries"`
}

// List is a validated, compiled rule list.
type List struct {
	name    string
	version string
	entries []*compiledEntry
}

// Name returns the list name.
func (l *List) Name() string { return l.name }

// Version returns the list version.
func (l *List) Version() string { return l.version }

// Len returns the number of entries.
func (l *List) Len() int { return len(l.entries) }

type compiledEntry struct {
	src         Entry
	cond        compiledConditions
	exceptions  []compiledConditions
	features    []Feature
	workarounds []int
}

type compiledConditions struct {
	osType       gpuinfo.OSType
	osVersion    *VersionSpec
	vendorID     uint32
	deviceIDs    []uint32
	category     string
	driverVendor *regexp.Regexp
	driverVer    *VersionSpec
	driverDate   *VersionSpec
	glVendor     *regexp.Regexp
	glRenderer   *regexp.Regexp
	models       []string
}

// LoadFile reads a JSON or YAML rule list; the extension picks the format.
func LoadFile(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blacklist: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(data)
	}
	return LoadJSON(data)
}

// LoadJSON parses and validates a JSON rule list. Unknown fields are
// rejected.
func LoadJSON(data []byte) (*List, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Compile(f)
}

// LoadYAML parses and validates a YAML rule list.
func LoadYAML(data []byte) (*List, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Compile(f)
}

// Compile validates f and prepares it for evaluation.
func Compile(f File) (*List, error) {
	l := &List{name: f.Name, version: f.Version}
	seen := make(map[int]bool, len(f.Entries))
	for i := range f.Entries {
		e := f.Entries[i]
		if e.ID <= 0 {
			return nil, fmt.Errorf("%w: entry %d has non-positive id %d", ErrMalformed, i, e.ID)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: duplicate entry id %d", ErrMalformed, e.ID)
		}
		seen[e.ID] = true

		ce, err := compileEntry(e)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformed, e.ID, err)
		}
		l.entries = append(l.entries, ce)
	}
	return l, nil
}

func compileEntry(e Entry) (*compiledEntry, error) {
	ce := &compiledEntry{src: e}
	var err error
	if ce.cond, err = compileConditions(e.Conditions); err != nil {
		return nil, err
	}
	for i, ex := range e.Exceptions {
		if ex.isEmpty() {
			return nil, fmt.Errorf("exception %d has no conditions", i)
		}
		cc, err := compileConditions(ex)
		if err != nil {
			return nil, fmt.Errorf("exception %d: %v", i, err)
		}
		ce.exceptions = append(ce.exceptions, cc)
	}
	for _, name := range e.Features {
		if name == "all" {
			ce.features = AllFeatures()
			continue
		}
		f, err := ParseFeature(name)
		if err != nil {
			return nil, err
		}
		ce.features = append(ce.features, f)
	}
	for _, name := range e.Workarounds {
		id, err := ParseWorkaround(name)
		if err != nil {
			return nil, err
		}
		ce.workarounds = append(ce.workarounds, id)
	}
	return ce, nil
}

func (c Conditions) isEmpty() bool {
	return c.OS == nil && c.VendorID == "" && len(c.DeviceIDs) == 0 &&
		c.DriverVendor == "" && c.DriverVersion == nil && c.DriverDate == nil &&
		c.GLVendor == "" && c.GLRenderer == "" && len(c.MachineModelName) == 0
}

func compileConditions(c Conditions) (compiledConditions, error) {
	cc := compiledConditions{osType: gpuinfo.OSAny, category: GPUPrimary, models: c.MachineModelName}
	var err error

	if c.OS != nil {
		cc.osType = gpuinfo.ParseOSType(c.OS.Type)
		if cc.osType == gpuinfo.OSUnknown {
			return cc, fmt.Errorf("unknown os type %q", c.OS.Type)
		}
		if cc.osVersion, err = checkVersion(c.OS.Version, false); err != nil {
			return cc, fmt.Errorf("os version: %v", err)
		}
	}

	if c.VendorID != "" {
		if cc.vendorID, err = gpuinfo.ParseID(c.VendorID); err != nil {
			return cc, err
		}
	}
	if len(c.DeviceIDs) > 0 && c.VendorID == "" {
		return cc, fmt.Errorf("device_id requires vendor_id")
	}
	for _, d := range c.DeviceIDs {
		id, err := gpuinfo.ParseID(d)
		if err != nil {
			return cc, err
		}
		cc.deviceIDs = append(cc.deviceIDs, id)
	}

	switch c.MultiGPUCategory {
	case "":
	case GPUPrimary, GPUSecondary, GPUActive, GPUAny:
		cc.category = c.MultiGPUCategory
	default:
		return cc, fmt.Errorf("unknown multi_gpu_category %q", c.MultiGPUCategory)
	}

	if cc.driverVendor, err = compileRegexp(c.DriverVendor); err != nil {
		return cc, err
	}
	if cc.glVendor, err = compileRegexp(c.GLVendor); err != nil {
		return cc, err
	}
	if cc.glRenderer, err = compileRegexp(c.GLRenderer); err != nil {
		return cc, err
	}
	if cc.driverVer, err = checkVersion(c.DriverVersion, false); err != nil {
		return cc, fmt.Errorf("driver_version: %v", err)
	}
	if cc.driverDate, err = checkVersion(c.DriverDate, true); err != nil {
		return cc, fmt.Errorf("driver_date: %v", err)
	}
	return cc, nil
}

func compileRegexp(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %v", expr, err)
	}
	return re, nil
}

func checkVersion(v *VersionSpec, date bool) (*VersionSpec, error) {
	if v == nil {
		return nil, nil
	}
	parse := parseVersion
	if date {
		parse = parseDate
	}
	switch v.Op {
	case OpAny:
		return v, nil
	case OpEQ, OpLT, OpLE, OpGT, OpGE:
		if _, ok := parse(v.Value); !ok {
			return nil, fmt.Errorf("bad value %q", v.Value)
		}
	case OpBetween:
		if _, ok := parse(v.Value); !ok {
			return nil, fmt.Errorf("bad value %q", v.Value)
		}
		if _, ok := parse(v.Value2); !ok {
			return nil, fmt.Errorf("bad value2 %q", v.Value2)
		}
	default:
		return nil, fmt.Errorf("unknown op %q", v.Op)
	}
	return v, nil
}
