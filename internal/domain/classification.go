package domain

import "sort"

// ProjectKind is the coarse project category detected from manifests.
type ProjectKind string

const (
	KindFrontendReact ProjectKind = "FrontendReact"
	KindBackendNode   ProjectKind = "BackendNode"
	KindBackendPython ProjectKind = "BackendPython"
	KindUnclassified  ProjectKind = "Unclassified"
)

// IsBackend reports whether the kind runs as a long-lived process.
func (k ProjectKind) IsBackend() bool {
	return k == KindBackendNode || k == KindBackendPython
}

// FrameworkProfile refines the kind with the detected framework or tooling.
type FrameworkProfile string

const (
	ProfileCreateReactApp FrameworkProfile = "CreateReactApp"
	ProfileViteReact      FrameworkProfile = "ViteReact"
	ProfileCustomReact    FrameworkProfile = "CustomReact"
	ProfileExpress        FrameworkProfile = "Express"
	ProfileFastify        FrameworkProfile = "Fastify"
	ProfileKoa            FrameworkProfile = "Koa"
	ProfileNestJS         FrameworkProfile = "NestJS"
	ProfileGenericNode    FrameworkProfile = "GenericNode"
	ProfileFastAPI        FrameworkProfile = "FastAPI"
	ProfileFlask          FrameworkProfile = "Flask"
	ProfileDjango         FrameworkProfile = "Django"
	ProfileGenericPython  FrameworkProfile = "GenericPython"
	ProfileUnknown        FrameworkProfile = "Unknown"
)

// StringSet is a small set of names that serialises as a sorted list.
type StringSet map[string]struct{}

// NewStringSet builds a set from keys of m.
func NewStringSet[V any](m map[string]V) StringSet {
	s := make(StringSet, len(m))
	for k := range m {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s StringSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ProjectClassification is derived from manifest contents at a point in time.
// It is never persisted.
type ProjectClassification struct {
	ProjectPath             string            `json:"project_path"`
	Kind                    ProjectKind       `json:"kind"`
	FrameworkProfile        FrameworkProfile  `json:"framework_profile"`
	HasBuildScript          bool              `json:"has_build_script"`
	HasStartScript          bool              `json:"has_start_script"`
	DeclaredDependencies    []string          `json:"declared_dependencies"`
	DeclaredDevDependencies []string          `json:"declared_dev_dependencies"`
	EntryPoints             []string          `json:"entry_points,omitempty"`
	ToolVersions            map[string]string `json:"tool_versions,omitempty"`
	Warnings                []string          `json:"warnings,omitempty"`
}

// Unclassified is the zero-knowledge result.
func Unclassified() ProjectClassification {
	return ProjectClassification{Kind: KindUnclassified, FrameworkProfile: ProfileUnknown}
}

// HasDependency checks both production and development declarations.
func (c ProjectClassification) HasDependency(name string) bool {
	for _, d := range c.DeclaredDependencies {
		if d == name {
			return true
		}
	}
	for _, d := range c.DeclaredDevDependencies {
		if d == name {
			return true
		}
	}
	return false
}
