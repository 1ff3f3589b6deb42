package blacklist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Feature is a GPU feature class that can be blacklisted.
type Feature int

const (
	FeatureAccelerated2DCanvas Feature = iota
	FeatureGPUCompositing
	FeatureWebGL
	FeatureFlash3D
	FeatureFlashStage3D
	FeatureFlashStage3DBaseline
	FeatureAcceleratedVideoDecode
	FeatureAcceleratedVideoEncode
	FeaturePanelFitting
	FeatureGPURasterization
	FeatureWebGL2

	NumFeatures int = iota
)

var featureNames = [NumFeatures]string{
	"accelerated_2d_canvas",
	"gpu_compositing",
	"webgl",
	"flash_3d",
	"flash_stage3d",
	"flash_stage3d_baseline",
	"accelerated_video_decode",
	"accelerated_video_encode",
	"panel_fitting",
	"gpu_rasterization",
	"webgl2",
}

func (f Feature) String() string {
	if f < 0 || int(f) >= NumFeatures {
		return "feature(" + strconv.Itoa(int(f)) + ")"
	}
	return featureNames[f]
}

// AllFeatures returns every feature in enum order.
func AllFeatures() []Feature {
	out := make([]Feature, NumFeatures)
	for i := range out {
		out[i] = Feature(i)
	}
	return out
}

// ParseFeature resolves a rule-list feature name.
func ParseFeature(name string) (Feature, error) {
	for i, n := range featureNames {
		if n == name {
			return Feature(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown feature %q", ErrMalformed, name)
}

// Workaround ids. The numbering is part of the --gpu-driver-bug-workarounds
// contract with the child and must not be reordered.
const (
	WorkaroundClearAlphaInReadPixels        = 1
	WorkaroundClearUniformsBeforeFirstUse   = 2
	WorkaroundCountAllInVaryingsPacking     = 3
	WorkaroundDisableAngleInstancedArrays   = 4
	WorkaroundDisableD3D11                  = 5
	WorkaroundDisableDepthTexture           = 6
	WorkaroundExitOnContextLost             = 7
	WorkaroundDisableExtDrawBuffers         = 8
	WorkaroundForceDiscreteGPU              = 9
	WorkaroundForceIntegratedGPU            = 10
	WorkaroundInitGLPositionInVertexShader  = 11
	WorkaroundMaxTextureSizeLimit4096       = 12
	WorkaroundRestoreScissorOnFBOChange     = 13
	WorkaroundScalarizeVecAndMatCtorArgs    = 14
	WorkaroundUnbindFBOOnContextSwitch      = 15
	WorkaroundUseClientSideArraysForStreams = 16
	WorkaroundUseCurrentProgramAfterLink    = 17
	WorkaroundDisableGLPathRendering        = 18
	WorkaroundDisablePostSubBuffers         = 19
	WorkaroundValidateMultisampleAllocation = 20
)

var workaroundNames = map[int]string{
	WorkaroundClearAlphaInReadPixels:        "clear_alpha_in_readpixels",
	WorkaroundClearUniformsBeforeFirstUse:   "clear_uniforms_before_first_program_use",
	WorkaroundCountAllInVaryingsPacking:     "count_all_in_varyings_packing",
	WorkaroundDisableAngleInstancedArrays:   "disable_angle_instanced_arrays",
	WorkaroundDisableD3D11:                  "disable_d3d11",
	WorkaroundDisableDepthTexture:           "disable_depth_texture",
	WorkaroundExitOnContextLost:             "exit_on_context_lost",
	WorkaroundDisableExtDrawBuffers:         "disable_ext_draw_buffers",
	WorkaroundForceDiscreteGPU:              "force_discrete_gpu",
	WorkaroundForceIntegratedGPU:            "force_integrated_gpu",
	WorkaroundInitGLPositionInVertexShader:  "init_gl_position_in_vertex_shader",
	WorkaroundMaxTextureSizeLimit4096:       "max_texture_size_limit_4096",
	WorkaroundRestoreScissorOnFBOChange:     "restore_scissor_on_fbo_change",
	WorkaroundScalarizeVecAndMatCtorArgs:    "scalarize_vec_and_mat_constructor_args",
	WorkaroundUnbindFBOOnContextSwitch:      "unbind_fbo_on_context_switch",
	WorkaroundUseClientSideArraysForStreams: "use_client_side_arrays_for_stream_buffers",
	WorkaroundUseCurrentProgramAfterLink:    "use_current_program_after_successful_link",
	WorkaroundDisableGLPathRendering:        "disable_gl_path_rendering",
	WorkaroundDisablePostSubBuffers:         "disable_post_sub_buffers_for_onscreen_surfaces",
	WorkaroundValidateMultisampleAllocation: "validate_multisample_buffer_allocation",
}

// WorkaroundName returns the rule-list name for id, or its decimal form.
func WorkaroundName(id int) string {
	if n, ok := workaroundNames[id]; ok {
		return n
	}
	return strconv.Itoa(id)
}

// ParseWorkaround accepts a workaround name or a decimal id.
func ParseWorkaround(s string) (int, error) {
	for id, n := range workaroundNames {
		if n == s {
			return id, nil
		}
	}
	if id, err := strconv.Atoi(s); err == nil && id > 0 {
		return id, nil
	}
	return 0, fmt.Errorf("%w: unknown workaround %q", ErrMalformed, s)
}

// Set is a set of feature or workaround ids.
type Set map[int]struct{}

// NewSet returns a set holding ids.
func NewSet(ids ...int) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s Set) Add(id int) { s[id] = struct{}{} }

// Has reports whether id is present.
func (s Set) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// AddFeature inserts f.
func (s Set) AddFeature(f Feature) { s.Add(int(f)) }

// HasFeature reports whether f is in the set.
func (s Set) HasFeature(f Feature) bool { return s.Has(int(f)) }

// Union returns a new set with the members of both.
func (s Set) Union(o Set) Set {
	out := make(Set, len(s)+len(o))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// Clone copies the set.
func (s Set) Clone() Set { return s.Union(nil) }

// Sorted returns the members in ascending order.
func (s Set) Sorted() []int {
	out := make([]int, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Join renders the members ascending, separated by sep.
func (s Set) Join(sep string) string {
	ids := s.Sorted()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, sep)
}
