package persistence

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/sha3"
)

// FileState is the stored signature of one file dependency.
type FileState struct {
	ModTime int64  `json:"mtime"`
	Size    int64  `json:"size"`
	Digest  string `json:"digest,omitempty"`
}

// Checker decides whether a file dependency changed since its state was saved.
type Checker interface {
	// Name identifies the checker in stored records; switching checkers
	// makes every task with file dependencies stale.
	Name() string
	// Changed compares the file against its saved state.
	Changed(path string, info fs.FileInfo, saved FileState) (bool, error)
	// State computes the state to save. prev is the saved state, nil if none.
	State(path string, info fs.FileInfo, prev *FileState) (FileState, error)
}

// NewChecker returns the built-in checker called name.
func NewChecker(name string) (Checker, error) {
	switch name {
	case "", "content", "md5", "sha3":
		return ContentChecker{}, nil
	case "timestamp":
		return TimestampChecker{}, nil
	}
	return nil, fmt.Errorf("unknown checker %q (want content or timestamp)", name)
}

// ContentChecker compares file digests. The digest is only computed when the
// modification time moved and the size did not.
type ContentChecker struct{}

func (ContentChecker) Name() string { return "content" }

func (ContentChecker) Changed(path string, info fs.FileInfo, saved FileState) (bool, error) {
	if info.ModTime().UnixNano() == saved.ModTime {
		return false, nil
	}
	if info.Size() != saved.Size {
		return true, nil
	}
	digest, err := FileDigest(path)
	if err != nil {
		return false, err
	}
	return digest != saved.Digest, nil
}

func (ContentChecker) State(path string, info fs.FileInfo, prev *FileState) (FileState, error) {
	st := FileState{ModTime: info.ModTime().UnixNano(), Size: info.Size()}
	if prev != nil && prev.ModTime == st.ModTime && prev.Size == st.Size && prev.Digest != "" {
		st.Digest = prev.Digest
		return st, nil
	}
	digest, err := FileDigest(path)
	if err != nil {
		return FileState{}, err
	}
	st.Digest = digest
	return st, nil
}

// TimestampChecker treats any modification time change as a change.
type TimestampChecker struct{}

func (TimestampChecker) Name() string { return "timestamp" }

func (TimestampChecker) Changed(_ string, info fs.FileInfo, saved FileState) (bool, error) {
	return info.ModTime().UnixNano() != saved.ModTime, nil
}

func (TimestampChecker) State(_ string, info fs.FileInfo, _ *FileState) (FileState, error) {
	return FileState{ModTime: info.ModTime().UnixNano(), Size: info.Size()}, nil
}

// FuncChecker derives the signature from a caller-supplied function.
type FuncChecker struct {
	Label     string
	Signature func(path string, info fs.FileInfo) (string, error)
}

func (c FuncChecker) Name() string { return c.Label }

func (c FuncChecker) Changed(path string, info fs.FileInfo, saved FileState) (bool, error) {
	sig, err := c.Signature(path, info)
	if err != nil {
		return false, err
	}
	return sig != saved.Digest, nil
}

func (c FuncChecker) State(path string, info fs.FileInfo, _ *FileState) (FileState, error) {
	sig, err := c.Signature(path, info)
	if err != nil {
		return FileState{}, err
	}
	return FileState{ModTime: info.ModTime().UnixNano(), Size: info.Size(), Digest: sig}, nil
}

// FileDigest returns the hex SHA3-256 digest of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha3.New256()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
