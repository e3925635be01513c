// Package publish exports the compiled interfaces and the address book to a
// directory consumed by dependent services.
package publish

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// BundleName is the archive written next to the published files.
const BundleName = "provisioner-bundle.tar.zst"

// AddressBookName is the file name of the address book inside the publish dir.
const AddressBookName = "addresses.json"

// ErrNothingToPublish is returned when the artifact directories or the
// address book to publish do not exist.
var ErrNothingToPublish = errors.New("publish: source directory missing")

// Options selects what is published and where.
type Options struct {
	// BuildDir holds abi/ and bytecode/.
	BuildDir string
	// AddressBook is the persisted address book document.
	AddressBook string
	// Dest is replaced as a whole on success.
	Dest string
	// Bundle also writes BundleName into Dest.
	Bundle bool
	Logger *slog.Logger
}

// Result lists what was published.
type Result struct {
	Dest   string   `json:"dest"`
	Files  []string `json:"files"`
	Bundle string   `json:"bundle,omitempty"`
}

// Publish stages a complete copy next to Dest and swaps it in with a rename,
// so readers of Dest never observe a half-written export.
func Publish(opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dest == "" {
		return nil, errors.New("publish: destination is required")
	}

	dest := filepath.Clean(opts.Dest)
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("publish: create parent: %w", err)
	}

	stage, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".stage-*")
	if err != nil {
		return nil, fmt.Errorf("publish: create staging dir: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.RemoveAll(stage)
		}
	}()

	var files []string
	for _, sub := range []string{"abi", "bytecode"} {
		copied, err := copyTree(filepath.Join(opts.BuildDir, sub), filepath.Join(stage, sub))
		if err != nil {
			return nil, err
		}
		for _, f := range copied {
			files = append(files, filepath.Join(sub, f))
		}
	}
	if err := copyFile(opts.AddressBook, filepath.Join(stage, AddressBookName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNothingToPublish, opts.AddressBook)
		}
		return nil, fmt.Errorf("publish: copy address book: %w", err)
	}
	files = append(files, AddressBookName)
	sort.Strings(files)

	result := &Result{Dest: dest, Files: files}
	if opts.Bundle {
		if err := writeBundle(stage, files, filepath.Join(stage, BundleName)); err != nil {
			return nil, err
		}
		result.Bundle = filepath.Join(dest, BundleName)
	}

	if err := swap(stage, dest); err != nil {
		return nil, err
	}
	cleanup = false

	logger.Info("published artifacts",
		slog.String("dest", dest),
		slog.Int("files", len(files)),
		slog.Bool("bundle", opts.Bundle),
	)
	return result, nil
}

// swap replaces dest with stage. An existing dest is moved aside first and
// removed only after the new tree is in place.
func swap(stage, dest string) error {
	old := ""
	if _, err := os.Stat(dest); err == nil {
		old = dest + ".old"
		_ = os.RemoveAll(old)
		if err := os.Rename(dest, old); err != nil {
			return fmt.Errorf("publish: move previous export aside: %w", err)
		}
	}
	if err := os.Rename(stage, dest); err != nil {
		if old != "" {
			_ = os.Rename(old, dest)
		}
		return fmt.Errorf("publish: swap in export: %w", err)
	}
	if err := os.Chmod(dest, 0o755); err != nil {
		return fmt.Errorf("publish: chmod export: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func copyTree(src, dst string) ([]string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNothingToPublish, src)
		}
		return nil, fmt.Errorf("publish: read %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("publish: create %s: %w", dst, err)
	}

	var copied []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return nil, fmt.Errorf("publish: copy %s: %w", e.Name(), err)
		}
		copied = append(copied, e.Name())
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeBundle archives files (relative to root) into a zstd-compressed tarball.
func writeBundle(root string, files []string, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("publish: create bundle: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("publish: init zstd: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, name := range files {
		if err := addToTar(tw, root, name); err != nil {
			zw.Close()
			return fmt.Errorf("publish: bundle %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("publish: close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("publish: close zstd: %w", err)
	}
	return f.Sync()
}

func addToTar(tw *tar.Writer, root, name string) error {
	full := filepath.Join(root, name)
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	src, err := os.Open(full)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}

// ReadBundle lists the entries of a bundle and their contents.
func ReadBundle(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("publish: open zstd: %w", err)
	}
	defer zr.Close()

	out := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("publish: read tar: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out[hdr.Name] = data
	}
}
