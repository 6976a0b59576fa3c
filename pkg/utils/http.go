package utils

import (
	"context"

	"github.com/hashicorp/go-getter"
)

// DownloadFile fetches a single file from source (local path, http(s),
// s3:: and friends) into dst.
func DownloadFile(ctx context.Context, source string, dst string) error {
	c := getter.Client{
		Ctx:  ctx,
		Src:  source,
		Dst:  dst,
		Mode: getter.ClientModeFile,
	}

	return c.Get()
}
