package backup

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gswatch/gswatch/pkg/utils"
)

// Restore fetches a snapshot archive from any supported source (local
// path, http(s), s3::) and unpacks it over the destination directory.
// Archive entries carry absolute profile paths, so dst is normally "/";
// a different dst re-roots the whole tree for inspection.
func (m *Manager) Restore(ctx context.Context, source string, dst string) error {
	if source == "" {
		return errors.New("restore source is empty")
	}
	if dst == "" {
		dst = string(os.PathSeparator)
	}

	path := source

	if !utils.IsFileExists(source) {
		tmpDir, err := os.MkdirTemp("", "gswatch-restore")
		if err != nil {
			return errors.WithMessage(err, "failed to create temp directory")
		}
		defer func() {
			err := os.RemoveAll(tmpDir)
			if err != nil {
				log.Println(errors.WithMessage(err, "failed to remove temporary directory"))
			}
		}()

		path = filepath.Join(tmpDir, filepath.Base(source))

		log.Println("downloading", source)

		err = utils.DownloadFile(ctx, source, path)
		if err != nil {
			return errors.WithMessagef(err, "failed to download %s", source)
		}
	}

	err := verify(path)
	if err != nil {
		return errors.WithMessage(err, "refusing to restore corrupt archive")
	}

	// restoring in place overwrites the live profile, keep it around
	if dst == string(os.PathSeparator) && utils.IsFileExists(m.cfg.ProfileDir) {
		aside := m.cfg.ProfileDir + ".pre-restore"

		log.Printf("copying current profile to %s", aside)

		err = utils.Copy(m.cfg.ProfileDir, aside)
		if err != nil {
			return errors.WithMessage(err, "failed to set aside current profile")
		}
	}

	log.Printf("restoring %s into %s", filepath.Base(path), dst)

	err = unpack(path, dst)
	if err != nil {
		return errors.WithMessage(err, "failed to unpack archive")
	}

	return nil
}
