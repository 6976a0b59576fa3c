package backup

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// compress writes the paths in sources into a tar stream wrapped in an
// lz4 frame. Paths for which shouldSkip returns true are left out, as are
// files that disappear mid-walk (the server keeps writing while we
// archive).
func compress(sources []string, buf io.Writer, shouldSkip func(string) bool) error {
	lw := lz4.NewWriter(buf)
	tw := tar.NewWriter(lw)

	for _, src := range sources {
		err := filepath.Walk(src, func(file string, fi os.FileInfo, err error) error {
			if err != nil {
				log.Println("file was skipped", err)

				return nil
			}

			if shouldSkip != nil && shouldSkip(file) {
				if fi.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			header, err := tar.FileInfoHeader(fi, file)
			if err != nil {
				return err
			}

			// must provide real name
			header.Name = filepath.ToSlash(file)

			if err := tw.WriteHeader(header); err != nil {
				return err
			}

			if !fi.IsDir() {
				data, err := os.Open(file)
				if err != nil {
					log.Println("file was skipped", err)

					return nil
				}
				if _, err := io.Copy(tw, data); err != nil {
					_ = data.Close()

					return err
				}
				_ = data.Close()
			}

			return nil
		})
		if err != nil {
			return errors.WithMessagef(err, "failed to archive %s", src)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}

	return lw.Close()
}

// verify reads the whole archive back. A snapshot that cannot be read to
// the end is corrupt and must never enter the retained set.
func verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithMessage(err, "failed to open archive")
	}
	defer func() {
		err := f.Close()
		if err != nil {
			log.Println(err)
		}
	}()

	tr, closer, err := tarReader(f, path)
	if err != nil {
		return err
	}
	defer closer()

	entries := 0

	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.WithMessage(err, "corrupt archive header")
		}

		if _, err := io.Copy(io.Discard, tr); err != nil {
			return errors.WithMessage(err, "corrupt archive entry")
		}

		entries++
	}

	if entries == 0 {
		return errors.New("archive is empty")
	}

	return nil
}

// unpack extracts an archive into dst, used by restore.
func unpack(path string, dst string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithMessage(err, "failed to open archive")
	}
	defer func() {
		err := f.Close()
		if err != nil {
			log.Println(err)
		}
	}()

	tr, closer, err := tarReader(f, path)
	if err != nil {
		return err
	}
	defer closer()

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.WithMessage(err, "failed to read archive header")
		}

		target, err := securePath(dst, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, header.FileInfo().Mode())
			if err != nil {
				return errors.WithMessagef(err, "failed to create directory %s", target)
			}
		case tar.TypeReg:
			err = writeUnpacked(target, tr, header.FileInfo().Mode())
			if err != nil {
				return err
			}
		default:
			// symlinks and devices are not part of server profiles
			log.Printf("skipping archive entry %s (type %d)", header.Name, header.Typeflag)
		}
	}
}

func writeUnpacked(target string, r io.Reader, mode os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return errors.WithMessagef(err, "failed to create directory for %s", target)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.WithMessagef(err, "failed to create %s", target)
	}

	_, err = io.Copy(out, r) //nolint:gosec
	if err != nil {
		_ = out.Close()

		return errors.WithMessagef(err, "failed to write %s", target)
	}

	return out.Close()
}

func securePath(dst string, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if strings.HasPrefix(cleaned, "..") {
		return "", errors.Errorf("archive entry %s escapes destination", name)
	}

	return filepath.Join(dst, cleaned), nil
}

// tarReader wraps f with the decompressor matching the archive extension.
func tarReader(f *os.File, path string) (*tar.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".tar.lz4"):
		return tar.NewReader(lz4.NewReader(f)), func() {}, nil
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "failed to open gzip stream")
		}

		return tar.NewReader(gr), func() { _ = gr.Close() }, nil
	case strings.HasSuffix(path, ".tar"):
		return tar.NewReader(f), func() {}, nil
	default:
		return nil, nil, errors.Errorf("unsupported archive format: %s", filepath.Base(path))
	}
}
