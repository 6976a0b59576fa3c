package releasefinder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Release is a published build asset matching the running OS and arch.
type Release struct {
	URL string
	Tag string
}

// Find queries a GitHub releases API feed for the newest release carrying
// an asset named for the given kernel and platform.
func Find(ctx context.Context, api, kernel, platform string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to get releases")
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			log.Println(err)
		}
	}(resp.Body)

	return findRelease(resp.Body, kernel, platform)
}

type FailedToFindReleaseError struct {
	OS   string
	Arch string
}

func (e FailedToFindReleaseError) Error() string {
	return fmt.Sprintf("failed to find release for %s (arch: %s)", e.OS, e.Arch)
}

type release struct {
	TagName string  `json:"tag_name"` //nolint:tagliatelle
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"` //nolint:tagliatelle
}

func findRelease(reader io.Reader, os string, arch string) (*Release, error) {
	var feed []release

	err := json.NewDecoder(reader).Decode(&feed)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decode releases feed")
	}

	for _, rel := range feed {
		for _, a := range rel.Assets {
			if strings.Contains(a.Name, rel.TagName+"-"+os+"-"+arch) {
				return &Release{
					URL: a.BrowserDownloadURL,
					Tag: rel.TagName,
				}, nil
			}
		}
	}

	return nil, FailedToFindReleaseError{os, arch}
}
