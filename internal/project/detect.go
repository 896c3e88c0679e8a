// Package project detects a project's root directory and resolves
// where its index is stored.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoProjectRoot is returned when no marker matched before reaching
// the filesystem root.
var ErrNoProjectRoot = errors.New("no project root found")

// MaxWalkDepth bounds how far Detect walks upward before giving up,
// independent of reaching the filesystem root.
const MaxWalkDepth = 100

// Marker identifies which file or directory caused a directory to be
// recognized as a project root.
type Marker string

const (
	MarkerLocalSidecar Marker = "local_sidecar"
	MarkerVCS          Marker = "vcs_root"
	MarkerRust         Marker = "rust_manifest"
	MarkerNode         Marker = "node_manifest"
	MarkerPython       Marker = "python_manifest"
	MarkerGo           Marker = "go_manifest"
	MarkerJava         Marker = "java_manifest"
	MarkerBuildFile    Marker = "generic_build_marker"
)

// ProjectType classifies the primary language/toolchain of a detected
// project, independent of which marker matched.
type ProjectType string

const (
	ProjectTypeRust    ProjectType = "rust"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeJava    ProjectType = "java"
	ProjectTypeUnknown ProjectType = "unknown"
)

// SidecarDirName is the local per-project storage directory CodeRAG
// looks for and creates, e.g. `{root}/.coderag/`.
const SidecarDirName = ".coderag"

// DetectedProject is the result of walking up from a starting
// directory to find a project root.
type DetectedProject struct {
	Root          string // canonicalized, absolute
	Marker        Marker
	ProjectType   ProjectType
	HasLocalStore bool // true iff SidecarDirName exists at Root
}

// markerCheck tests a single candidate directory for one ordered
// marker, returning the ProjectType it implies on a match.
type markerCheck struct {
	marker      Marker
	projectType ProjectType
	check       func(dir string) bool
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func fileAt(dir, name string) bool {
	return exists(filepath.Join(dir, name))
}

// orderedMarkers returns the fixed priority order checked at each
// directory level, per spec: local sidecar, VCS root, language
// manifests (Rust, Node, Python, Go, Java — primary then secondary
// within each), generic build marker.
func orderedMarkers() []markerCheck {
	return []markerCheck{
		{MarkerLocalSidecar, ProjectTypeUnknown, func(dir string) bool { return exists(filepath.Join(dir, SidecarDirName)) }},
		{MarkerVCS, ProjectTypeUnknown, func(dir string) bool { return exists(filepath.Join(dir, ".git")) }},
		{MarkerRust, ProjectTypeRust, func(dir string) bool { return fileAt(dir, "Cargo.toml") }},
		{MarkerRust, ProjectTypeRust, func(dir string) bool { return fileAt(dir, "Cargo.lock") }},
		{MarkerNode, ProjectTypeNode, func(dir string) bool { return fileAt(dir, "package.json") }},
		{MarkerNode, ProjectTypeNode, func(dir string) bool {
			return fileAt(dir, "yarn.lock") || fileAt(dir, "package-lock.json") || fileAt(dir, "pnpm-lock.yaml")
		}},
		{MarkerPython, ProjectTypePython, func(dir string) bool { return fileAt(dir, "pyproject.toml") }},
		{MarkerPython, ProjectTypePython, func(dir string) bool {
			return fileAt(dir, "requirements.txt") || fileAt(dir, "setup.py")
		}},
		{MarkerGo, ProjectTypeGo, func(dir string) bool { return fileAt(dir, "go.mod") }},
		{MarkerJava, ProjectTypeJava, func(dir string) bool { return fileAt(dir, "pom.xml") || fileAt(dir, "build.gradle") || fileAt(dir, "build.gradle.kts") }},
		{MarkerBuildFile, ProjectTypeUnknown, func(dir string) bool { return fileAt(dir, "Makefile") }},
	}
}

// Detect canonicalizes startDir and walks upward, checking the ordered
// markers at each level. The first level with any matching marker
// wins; within that level the marker list's own priority order breaks
// ties. Detect performs stat-only I/O and never mutates the
// filesystem.
func Detect(startDir string) (*DetectedProject, error) {
	root, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("project: resolve absolute path: %w", err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("project: canonicalize %s: %w", startDir, err)
	}

	markers := orderedMarkers()
	dir := root
	for depth := 0; depth < MaxWalkDepth; depth++ {
		for _, m := range markers {
			if m.check(dir) {
				return &DetectedProject{
					Root:          dir,
					Marker:        m.marker,
					ProjectType:   m.projectType,
					HasLocalStore: exists(filepath.Join(dir, SidecarDirName)),
				}, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNoProjectRoot
		}
		dir = parent
	}

	return nil, ErrNoProjectRoot
}
