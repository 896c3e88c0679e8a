package project

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"regexp"
	"strings"
)

// StorageLocation is the closed polymorphic enumeration of where a
// project's index lives: Local (a sidecar directory inside the
// project itself) or Global (a per-project directory under a shared
// data directory, keyed by a stable project id). Exactly one field is
// populated; callers switch on which pointer is non-nil.
type StorageLocation struct {
	Local  *LocalStorage
	Global *GlobalStorage
}

// LocalStorage places the index inside the project's own sidecar
// directory.
type LocalStorage struct {
	Root     string
	DBPath   string
	TextPath string
}

// GlobalStorage places the index under a shared data directory, keyed
// by a project id stable for a given canonical root.
type GlobalStorage struct {
	Root      string
	ProjectID string
	DBPath    string
	TextPath  string
}

var nonIdentChar = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ResolveStorage maps a DetectedProject to a StorageLocation. A
// project with a local sidecar always resolves to Local, even if a
// global directory also exists for it — Local takes precedence.
func ResolveStorage(p *DetectedProject, globalDataDir string) StorageLocation {
	if p.HasLocalStore {
		sidecar := filepath.Join(p.Root, SidecarDirName)
		return StorageLocation{
			Local: &LocalStorage{
				Root:     p.Root,
				DBPath:   filepath.Join(sidecar, "index.lance"),
				TextPath: filepath.Join(sidecar, "bm25"),
			},
		}
	}

	id := ProjectID(p.Root)
	dir := filepath.Join(globalDataDir, "indexes", id)
	return StorageLocation{
		Global: &GlobalStorage{
			Root:      p.Root,
			ProjectID: id,
			DBPath:    filepath.Join(dir, "index.lance"),
			TextPath:  filepath.Join(dir, "bm25"),
		},
	}
}

// Dir returns the directory that holds this location's index files,
// metadata.json, and (for Local storage only) config.toml: the parent
// of DBPath, which is the same parent TextPath shares.
func (s StorageLocation) Dir() string {
	if s.Local != nil {
		return filepath.Dir(s.Local.DBPath)
	}
	return filepath.Dir(s.Global.DBPath)
}

// MetadataPath returns the path to this location's metadata.json.
func (s StorageLocation) MetadataPath() string {
	return filepath.Join(s.Dir(), "metadata.json")
}

// ID returns the project identifier to record in IndexMetadata: the
// precomputed id for Global storage, or one freshly derived from the
// project root for Local storage (which has no separate id field since
// the sidecar directory itself already scopes it to one project).
func (s StorageLocation) ID() string {
	if s.Global != nil {
		return s.Global.ProjectID
	}
	return ProjectID(s.Local.Root)
}

// ProjectID computes the stable identifier used to key a project's
// global storage directory: "{sanitized-dirname}-{lower32-bits-of-fnv1a(canonical-root)}".
// FNV-1a is the standard library's own 64-bit non-cryptographic hash;
// no third-party library in the corpus offers anything better suited
// to this narrow, purely-internal requirement, so it is used directly
// rather than adding a dependency for one function call.
func ProjectID(canonicalRoot string) string {
	base := filepath.Base(canonicalRoot)
	sanitized := strings.ToLower(nonIdentChar.ReplaceAllString(base, "-"))

	h := fnv.New64a()
	h.Write([]byte(canonicalRoot))
	sum := h.Sum64()
	lower32 := uint32(sum & 0xffffffff)

	return fmt.Sprintf("%s-%08x", sanitized, lower32)
}
