package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Staging is the filesystem handoff between upload acceptance and the
// backend. UploadDir is inbound; TransferDir is outbound and only used by
// the simulated backend.
type Staging struct {
	UploadDir   string
	TransferDir string
}

// Prepare creates the staging directories.
func (s Staging) Prepare() error {
	for _, dir := range []string{s.UploadDir, s.TransferDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating staging directory %s: %w", dir, err)
		}
	}
	return nil
}

// UploadPath returns where filename is staged for transfer.
func (s Staging) UploadPath(filename string) string {
	return filepath.Join(s.UploadDir, filename)
}

// TransferPath returns where the simulated backend delivers filename.
func (s Staging) TransferPath(filename string) string {
	return filepath.Join(s.TransferDir, filename)
}

// Upload is a received file written to a private temp name in UploadDir.
// Commit moves it to its final name; Discard deletes it.
type Upload struct {
	Filename string
	Size     int64
	tmpPath  string
	dstPath  string
}

// Receive sanitises name and streams r into a temp file in UploadDir.
// Nothing is visible under the final name until Commit.
// A limit <= 0 disables the size check.
func (s Staging) Receive(name string, r io.Reader, limit int64) (*Upload, error) {
	filename, err := SecureFilename(name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.UploadDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	closeErr := tmp.Close()

	switch {
	case err != nil:
		err = fmt.Errorf("writing upload %s: %w", filename, err)
	case closeErr != nil:
		err = fmt.Errorf("closing upload %s: %w", filename, closeErr)
	case n == 0:
		err = ErrEmptyUpload
	case limit > 0 && n > limit:
		err = fmt.Errorf("%w: limit is %d bytes", ErrUploadTooLarge, limit)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	return &Upload{
		Filename: filename,
		Size:     n,
		tmpPath:  tmp.Name(),
		dstPath:  s.UploadPath(filename),
	}, nil
}

// Commit renames the upload to its final staged name, replacing any
// previous file of that name.
func (u *Upload) Commit() error {
	if err := os.Rename(u.tmpPath, u.dstPath); err != nil {
		return fmt.Errorf("staging %s: %w", u.Filename, err)
	}
	return nil
}

// Discard removes the temp file. Safe to call after Commit.
func (u *Upload) Discard() {
	_ = os.Remove(u.tmpPath)
}

// SecureFilename reduces an uploaded name to a safe base name: path
// components are dropped, whitespace runs become underscores, and only
// ASCII letters, digits, '_', '.' and '-' survive. Leading and trailing
// dots and underscores are trimmed so the result can never be "." or "..".
func SecureFilename(name string) (string, error) {
	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return out, nil
}
