package gpuchild

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/breeze-rmm/gpuhost/internal/switches"
)

var (
	errNoRenderNode      = errors.New("gpuchild: no DRM render node for desktop GL")
	errNoSwiftShaderPath = errors.New("gpuchild: software renderer requested without --swiftshader-path")
	errUnsupportedGLImpl = errors.New("gpuchild: unsupported GL implementation")
)

// initializeGL checks that the implementation named by --use-gl can be
// brought up in this process.
func initializeGL(impl string, cl *switches.CommandLine, nodes func() []string) error {
	switch impl {
	case switches.GLDesktop:
		if len(nodes()) == 0 {
			return errNoRenderNode
		}
	case switches.GLEGL, switches.GLOSMesa:
	case switches.GLSwiftShader:
		if cl.GetSwitchValue(switches.SwiftShaderPath) == "" {
			return errNoSwiftShaderPath
		}
	default:
		return fmt.Errorf("%w: %q", errUnsupportedGLImpl, impl)
	}
	return nil
}

func renderNodes() []string {
	nodes, _ := filepath.Glob("/dev/dri/renderD*")
	return nodes
}
