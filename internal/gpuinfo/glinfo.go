package gpuinfo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

// ErrNoGLContext is returned when no GL context could be created at all.
var ErrNoGLContext = errors.New("gpuinfo: no GL context available")

// GLStrings are the strings a GL context reports about itself.
type GLStrings struct {
	Vendor     string
	Renderer   string
	Version    string
	Extensions string
}

// GLProbe returns the GL strings for a hardware context.
type GLProbe func(ctx context.Context) (GLStrings, error)

// Software implementations report fixed strings.
var softwareGL = map[string]GLStrings{
	"swiftshader": {Vendor: "Google Inc.", Renderer: "Google SwiftShader", Version: "OpenGL ES 3.0 SwiftShader"},
	"osmesa":      {Vendor: "Mesa Project", Renderer: "Software Rasterizer", Version: "3.3 Mesa OSMesa"},
}

// CollectContextInfo fills the GL fields of g for the given implementation
// and returns the resulting state. A fatal failure means the child cannot
// do any GPU work.
func CollectContextInfo(ctx context.Context, impl string, probe GLProbe, g *GPUInfo) CollectResult {
	g.GLImpl = impl
	if s, ok := softwareGL[impl]; ok {
		applyGL(g, s)
		g.SoftwareGL = true
		g.ContextInfoState = CollectSuccess
		return g.ContextInfoState
	}

	if probe == nil {
		probe = GLXProbe
	}
	s, err := probe(ctx)
	switch {
	case err == nil:
		applyGL(g, s)
		g.ContextInfoState = CollectSuccess
	case errors.Is(err, ErrNoGLContext) && g.GPU.IsZero():
		g.ContextInfoState = CollectFatalFailure
	default:
		log.Warn("GL context info incomplete", "impl", impl, logging.KeyError, err)
		if g.GLVendor == "" {
			g.GLVendor = VendorName(g.GPU.VendorID)
		}
		g.ContextInfoState = CollectNonFatalFailure
	}
	return g.ContextInfoState
}

func applyGL(g *GPUInfo, s GLStrings) {
	g.GLVendor = s.Vendor
	g.GLRenderer = s.Renderer
	g.GLVersion = s.Version
	if s.Extensions != "" {
		g.GLExtensions = s.Extensions
	}
}

// GLXProbe asks glxinfo for the current context's strings.
func GLXProbe(ctx context.Context) (GLStrings, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "glxinfo", "-B").Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return GLStrings{}, err
		}
		return GLStrings{}, ErrNoGLContext
	}
	s := ParseGLXInfo(out)
	if s.Vendor == "" && s.Renderer == "" {
		return s, ErrNoGLContext
	}
	return s, nil
}

// ParseGLXInfo extracts the OpenGL strings from glxinfo output.
func ParseGLXInfo(out []byte) GLStrings {
	var s GLStrings
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "OpenGL vendor string":
			s.Vendor = val
		case "OpenGL renderer string":
			s.Renderer = val
		case "OpenGL version string", "OpenGL core profile version string":
			if s.Version == "" {
				s.Version = val
			}
		}
	}
	return s
}
