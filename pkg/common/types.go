package common

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// ArchiveFormat tags the recognized container formats, §9 design note
// "Polymorphism over archive formats".
type ArchiveFormat string

const (
	FormatZip   ArchiveFormat = "zip"
	FormatTar   ArchiveFormat = "tar"
	FormatTarGz ArchiveFormat = "tar-gz"
	FormatGz    ArchiveFormat = "gz"
)

// PolicyMode selects one of the three path-sanitization postures of §4.A.
type PolicyMode string

const (
	PolicyStrict     PolicyMode = "strict"
	PolicyDefault    PolicyMode = "default"
	PolicyPermissive PolicyMode = "permissive"
)

// Policy bundles the sanitizer/engine knobs that vary by PolicyMode.
type Policy struct {
	Mode            PolicyMode
	MaxPathDepth    int
	AllowSymlinks   bool
	MaxDepth        int // max archive nesting depth, distinct from MaxPathDepth
}

// DefaultPolicyFor returns the canned policy for a mode, per §4.A.
func DefaultPolicyFor(mode PolicyMode) Policy {
	switch mode {
	case PolicyStrict:
		return Policy{Mode: PolicyStrict, MaxPathDepth: 50, AllowSymlinks: false, MaxDepth: 10}
	case PolicyPermissive:
		return Policy{Mode: PolicyPermissive, MaxPathDepth: 200, AllowSymlinks: true, MaxDepth: 20}
	default:
		return Policy{Mode: PolicyDefault, MaxPathDepth: 100, AllowSymlinks: false, MaxDepth: 15}
	}
}

var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidWorkspaceID reports whether id meets the §3 "bounded-length
// alphanumeric with -_" requirement.
func ValidWorkspaceID(id string) bool {
	return workspaceIDPattern.MatchString(id)
}

// ArchiveRecord is one row per archive encountered, §3.
type ArchiveRecord struct {
	ID             int64
	WorkspaceID    string
	ContentHash    string
	Format         ArchiveFormat
	OriginalName   string
	VirtualPath    string
	ParentArchiveID *int64
	DepthLevel     int
	IngestedAt     time.Time
}

// FileRecord is one row per non-archive terminal entry, §3. Attr reuses
// the teacher's fuse.Attr shape for virtual-node attributes (mode, size,
// mtime) so get_virtual_file_tree callers and a future FUSE presentation
// layer see the same attribute struct the archive-attribute code already
// knows how to render; no live mount is stood up (out of scope, §1).
type FileRecord struct {
	ID              int64
	WorkspaceID     string
	ContentHash     string
	VirtualPath     string
	OriginalName    string
	Size            int64
	ModifiedAt      time.Time
	MimeHint        *string
	ParentArchiveID *int64
	DepthLevel      int
	Attr            fuse.Attr
}

// FileAttr builds the fuse.Attr for a regular file of the given size and
// modification time, mirroring how beam-cloud-clip's indexer populates
// ClipNode.Attr for each FileNode it indexes.
func FileAttr(size int64, modTime time.Time) fuse.Attr {
	return fuse.Attr{
		Mode:  uint32(0o100644), // S_IFREG | 0644
		Size:  uint64(size),
		Mtime: uint64(modTime.Unix()),
	}
}

// PathMapping is the §3 (workspace, short, original) tuple.
type PathMapping struct {
	WorkspaceID  string
	ShortPath    string
	OriginalPath string
	AccessCount  int64
	CreatedAt    time.Time
}

// CheckpointRecord is the persisted per-archive resume state of §3/§4.G.
type CheckpointRecord struct {
	WorkspaceID    string
	ArchivePath    string
	ExtractedNames map[string]struct{}
	FileCount      int64
	ByteCount      int64
	Timestamp      time.Time
}

// SecurityEvent is one raised event from the Security Detector, §4.E/§4.J.
type SecurityEvent struct {
	Kind             string // e.g. ZipBombDetected, PathTraversalAttempt, ...
	Severity         string // Low, Medium, High, Critical
	Category         string // compression-ratio category: Suspicious, HighRisk, Critical (§6.1 supplement)
	WorkspaceID      string
	ArchivePath      string
	FilePath         string
	CompressionRatio float64
	NestingDepth     int
	RiskScore        float64
	Timestamp        time.Time
	Detail           map[string]string
}

// Warning is a recorded per-entry or per-archive recoverable failure, for
// the final ExtractionResult's warning list, §3/§7.
type Warning struct {
	Category string // I/O, archive, format, security, timeout, other
	Severity Severity
	Path     string
	Message  string
	Depth    int
}

// PerfMetrics are the wall-clock/throughput numbers of §3.
type PerfMetrics struct {
	WallTime       time.Duration
	BytesExtracted int64
	FilesExtracted int64
}

// ExtractionResult is returned to the caller of ExtractArchive, §3/§6.
type ExtractionResult struct {
	TotalFiles        int
	MaxDepthReached    int
	DepthLimitSkips    int
	WarningsByCategory map[string]int
	Warnings           []Warning
	SecurityEvents     []SecurityEvent
	Metrics            PerfMetrics
}

// TreeNode is the tagged union of §6's "tree node format". MarshalJSON
// picks the file/archive variant by the Kind field.
type TreeNode struct {
	Kind        string // "file" | "archive"
	Name        string
	Path        string
	Hash        string
	Size        int64
	MimeType    *string
	ArchiveType ArchiveFormat
	Children    []TreeNode
}

type treeNodeFileJSON struct {
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Hash     string  `json:"hash"`
	Size     int64   `json:"size"`
	MimeType *string `json:"mimeType,omitempty"`
}

type treeNodeArchiveJSON struct {
	Type        string        `json:"type"`
	Name        string        `json:"name"`
	Path        string        `json:"path"`
	Hash        string        `json:"hash"`
	ArchiveType ArchiveFormat `json:"archiveType"`
	Children    []TreeNode    `json:"children"`
}

func (n TreeNode) MarshalJSON() ([]byte, error) {
	if n.Kind == "archive" {
		children := n.Children
		if children == nil {
			children = []TreeNode{}
		}
		return json.Marshal(treeNodeArchiveJSON{
			Type:        "archive",
			Name:        n.Name,
			Path:        n.Path,
			Hash:        n.Hash,
			ArchiveType: n.ArchiveType,
			Children:    children,
		})
	}
	return json.Marshal(treeNodeFileJSON{
		Type:     "file",
		Name:     n.Name,
		Path:     n.Path,
		Hash:     n.Hash,
		Size:     n.Size,
		MimeType: n.MimeType,
	})
}

// ValidationReport is returned by VerifyWorkspaceIntegrity, §6.
type ValidationReport struct {
	WorkspaceID     string   `json:"workspaceId"`
	FilesChecked    int      `json:"filesChecked"`
	BlobsMissing    []string `json:"blobsMissing,omitempty"`
	BlobsCorrupt    []string `json:"blobsCorrupt,omitempty"`
	OrphanedFiles   []string `json:"orphanedFiles,omitempty"` // file records referencing a blob that doesn't exist
	DepthViolations []string `json:"depthViolations,omitempty"`
	OK              bool     `json:"ok"`
}
