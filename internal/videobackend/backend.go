// Package videobackend talks to the external render services that turn a
// package's photos into a video.
package videobackend

import (
	"context"

	"github.com/vbmedia/packline/internal/model"
)

// Request carries everything a backend needs to render one package. The
// pipeline assembles it from the package, its campaign and its images; the
// backend never reads the store.
type Request struct {
	PackageID uint64

	// Definition is the rendered XML template, used by the renderfarm
	// backend.
	Definition string

	// StoryboardName selects the storyboard variant.
	StoryboardName string

	CompanyName  string
	CustomerName string
	ContactName  string

	// ImageURLs are the package photos as public URLs, in display order.
	ImageURLs []string
	// CampaignImageURL is the campaign's establishing shot (drone footage).
	CampaignImageURL string

	IntroVideoURL string
	IntroDuration int

	FinalVideoURL string
	FinalDuration int

	SoundtrackURL string
	Welcome       string
	Slogan        string
}

// PushResult is the outcome of submitting a render job. Exactly one of Key
// and AssetURL is set: asynchronous backends return a key to poll with,
// synchronous ones return the finished video URL directly.
type PushResult struct {
	Key      string
	AssetURL string
}

// Backend is a video render service.
type Backend interface {
	// Kind identifies the backend variant.
	Kind() model.VideoBackendKind

	// Push submits the render job.
	Push(ctx context.Context, req *Request) (*PushResult, error)

	// Pull checks on a previously pushed job and returns the video URL when
	// it is done. While the job is still rendering it returns a WaitError;
	// fatal backend failures surface as InterruptError, transient ones as
	// RestartError. Synchronous backends never need Pull.
	Pull(ctx context.Context, key string) (string, error)
}
