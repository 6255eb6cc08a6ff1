package persistence

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewChecker(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "content"},
		{name: "content", want: "content"},
		{name: "md5", want: "content"},
		{name: "timestamp", want: "timestamp"},
		{name: "size", wantErr: true},
	}
	for _, tt := range tests {
		c, err := NewChecker(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewChecker(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && c.Name() != tt.want {
			t.Errorf("NewChecker(%q).Name() = %q, want %q", tt.name, c.Name(), tt.want)
		}
	}
}

func TestContentChecker_ReusesDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	writeFile(t, path, "payload")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// an unchanged stat keeps the saved digest without reading the file
	prev := &FileState{ModTime: info.ModTime().UnixNano(), Size: info.Size(), Digest: "cached"}
	st, err := ContentChecker{}.State(path, info, prev)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if st.Digest != "cached" {
		t.Errorf("Digest = %q, want the saved one", st.Digest)
	}

	st, err = ContentChecker{}.State(path, info, nil)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	want, _ := FileDigest(path)
	if st.Digest != want || len(want) != 64 {
		t.Errorf("Digest = %q, want sha3-256 %q", st.Digest, want)
	}
}

func TestFuncChecker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "VERSION")
	writeFile(t, path, "1.0\n")

	c := FuncChecker{
		Label: "first-line",
		Signature: func(path string, _ fs.FileInfo) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			line, _, _ := strings.Cut(string(data), "\n")
			return line, nil
		},
	}
	info, _ := os.Stat(path)
	saved, err := c.State(path, info, nil)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}

	writeFile(t, path, "1.0\nchangelog\n")
	info, _ = os.Stat(path)
	if changed, err := c.Changed(path, info, saved); err != nil || changed {
		t.Errorf("Changed() = %v, %v after editing a later line; want false", changed, err)
	}

	writeFile(t, path, "2.0\n")
	info, _ = os.Stat(path)
	if changed, err := c.Changed(path, info, saved); err != nil || !changed {
		t.Errorf("Changed() = %v, %v after a version bump; want true", changed, err)
	}
}
