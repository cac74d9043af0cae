package dispatch

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/cuemby/colony/pkg/types"
)

const (
	defaultMaxAttachments = 8
	defaultMaxFileBytes   = 10 << 20
	defaultMaxBase64Bytes = 14 << 20
)

// SandboxConfig bounds what a message may carry
type SandboxConfig struct {
	// AllowedRoots are the directories attachment paths must resolve into.
	// When empty the worker's working directory is the only root.
	AllowedRoots []string
	// AllowFiles are doublestar patterns naming the non-image files that may
	// be attached. Patterns are matched against the slash path relative to
	// the allowed root and against the base name. Non-image files are
	// rejected when nothing matches.
	AllowFiles     []string
	MaxAttachments int
	MaxFileBytes   int64
	MaxBase64Bytes int
	// ScratchDir receives copies of files outside the working directory
	ScratchDir string
}

func (c *SandboxConfig) defaults() {
	if c.MaxAttachments <= 0 {
		c.MaxAttachments = defaultMaxAttachments
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = defaultMaxFileBytes
	}
	if c.MaxBase64Bytes <= 0 {
		c.MaxBase64Bytes = defaultMaxBase64Bytes
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(os.TempDir(), "colony-attachments")
	}
}

// Sandbox validates and stages message attachments
type Sandbox struct {
	config SandboxConfig
}

// NewSandbox creates a sandbox
func NewSandbox(cfg SandboxConfig) *Sandbox {
	cfg.defaults()
	return &Sandbox{config: cfg}
}

// Config returns the effective configuration
func (s *Sandbox) Config() SandboxConfig {
	return s.config
}

// Prepare checks every attachment against the sandbox rules and copies
// external files into a per-worker scratch directory. The returned cleanup
// is never nil and must be called once the message is sent.
func (s *Sandbox) Prepare(workerID, workDir string, atts []types.Attachment) ([]types.Attachment, func(), error) {
	var staged []string
	cleanup := func() {
		for _, p := range staged {
			_ = os.Remove(p)
		}
	}
	if len(atts) == 0 {
		return nil, cleanup, nil
	}
	if len(atts) > s.config.MaxAttachments {
		return nil, cleanup, fmt.Errorf("%w: %d attachments exceeds limit of %d", ErrAttachmentDenied, len(atts), s.config.MaxAttachments)
	}

	roots := s.config.AllowedRoots
	if len(roots) == 0 && workDir != "" {
		roots = []string{workDir}
	}
	resolvedRoots := make([]string, 0, len(roots))
	for _, r := range roots {
		resolvedRoots = append(resolvedRoots, resolve(r))
	}
	work := ""
	if workDir != "" {
		work = resolve(workDir)
	}

	out := make([]types.Attachment, 0, len(atts))
	for i, a := range atts {
		a.Type = attachmentType(a)
		switch {
		case a.Base64 != "" && a.Path != "":
			cleanup()
			return nil, func() {}, fmt.Errorf("%w: attachment %d sets both path and base64", ErrAttachmentDenied, i)

		case a.Base64 != "":
			if len(a.Base64) > s.config.MaxBase64Bytes {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d base64 payload is %d bytes, limit %d", ErrAttachmentDenied, i, len(a.Base64), s.config.MaxBase64Bytes)
			}
			if _, err := base64.StdEncoding.DecodeString(a.Base64); err != nil {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d: invalid base64: %v", ErrAttachmentDenied, i, err)
			}
			if a.Type != types.AttachmentImage && !s.fileAllowed("", a.Name) {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d: file %q is not in the allow list", ErrAttachmentDenied, i, a.Name)
			}

		case a.Path != "":
			path, err := filepath.Abs(a.Path)
			if err != nil {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d: %v", ErrAttachmentDenied, i, err)
			}
			path = resolve(path)
			root, ok := within(path, resolvedRoots)
			if !ok {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d: %s is outside the allowed roots", ErrAttachmentDenied, i, a.Path)
			}
			info, err := os.Stat(path)
			if err != nil {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d: %v", ErrAttachmentDenied, i, err)
			}
			if !info.Mode().IsRegular() {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d: %s is not a regular file", ErrAttachmentDenied, i, a.Path)
			}
			if info.Size() > s.config.MaxFileBytes {
				cleanup()
				return nil, func() {}, fmt.Errorf("%w: attachment %d: %s is %d bytes, limit %d", ErrAttachmentDenied, i, a.Path, info.Size(), s.config.MaxFileBytes)
			}
			if a.Type != types.AttachmentImage {
				rel, _ := filepath.Rel(root, path)
				if !s.fileAllowed(filepath.ToSlash(rel), filepath.Base(path)) {
					cleanup()
					return nil, func() {}, fmt.Errorf("%w: attachment %d: file %s is not in the allow list", ErrAttachmentDenied, i, a.Path)
				}
			}
			if a.Name == "" {
				a.Name = filepath.Base(path)
			}
			a.Path = path
			if _, inside := within(path, []string{work}); work == "" || !inside {
				copied, err := s.stage(workerID, path)
				if err != nil {
					cleanup()
					return nil, func() {}, fmt.Errorf("attachment %d: stage %s: %w", i, a.Path, err)
				}
				staged = append(staged, copied)
				a.Path = copied
			}

		default:
			cleanup()
			return nil, func() {}, fmt.Errorf("%w: attachment %d has neither path nor base64", ErrAttachmentDenied, i)
		}
		if a.MimeType == "" {
			a.MimeType = mimeType(a)
		}
		out = append(out, a)
	}
	return out, cleanup, nil
}

func (s *Sandbox) fileAllowed(rel, base string) bool {
	for _, pattern := range s.config.AllowFiles {
		if rel != "" {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return true
			}
		}
		if base != "" {
			if ok, _ := doublestar.Match(pattern, base); ok {
				return true
			}
		}
	}
	return false
}

func (s *Sandbox) stage(workerID, src string) (string, error) {
	dir := filepath.Join(s.config.ScratchDir, sanitize(workerID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, uuid.NewString()[:8]+"-"+filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// resolve cleans p and follows symlinks when the target exists
func resolve(p string) string {
	p = filepath.Clean(p)
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

func within(path string, roots []string) (string, bool) {
	for _, root := range roots {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return root, true
		}
	}
	return "", false
}

func attachmentType(a types.Attachment) types.AttachmentType {
	if a.Type != "" {
		return a.Type
	}
	if strings.HasPrefix(mimeType(a), "image/") {
		return types.AttachmentImage
	}
	return types.AttachmentFile
}

func mimeType(a types.Attachment) string {
	if a.MimeType != "" {
		return a.MimeType
	}
	name := a.Name
	if name == "" {
		name = a.Path
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
