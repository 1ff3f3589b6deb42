package blacklist

import (
	_ "embed"
)

//go:embed lists/software_rendering_list.json
var builtinSoftwareRenderingList []byte

//go:embed lists/gpu_driver_bug_list.json
var builtinDriverBugList []byte

// BuiltinBlacklist returns the bundled feature blacklist source.
func BuiltinBlacklist() []byte { return builtinSoftwareRenderingList }

// BuiltinDriverBugList returns the bundled workaround list source.
func BuiltinDriverBugList() []byte { return builtinDriverBugList }

// LoadOrBuiltin loads path, or the bundled list when path is empty.
func LoadOrBuiltin(path string, builtin []byte) (*List, error) {
	if path == "" {
		return LoadJSON(builtin)
	}
	return LoadFile(path)
}
