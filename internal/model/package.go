package model

import (
	"fmt"
	"path/filepath"
	"time"
)

// Package is one customer photo submission moving through production and
// delivery. Packages are coordinated exclusively through their stored row:
// workers claim a package via the Session token and give it back by clearing
// it.
type Package struct {
	ID         uint64 `json:"id"`
	CompanyID  string `json:"company_id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id,omitempty"`

	Status Status `json:"status"`

	// Session fences concurrent processing: a non-empty session may only be
	// mutated by the task chain holding the same value.
	Session string `json:"session,omitempty"`

	// QueuedUntil is when the next publish attempt is expected, kept for
	// operator display while the package backs off.
	QueuedUntil *time.Time `json:"queued_until,omitempty"`

	RecipientName  string `json:"recipient_name,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`
	CopyEmail      string `json:"copy_email,omitempty"`

	// RenderKey identifies the render job at the video backend; it also names
	// the video file on disk.
	RenderKey string `json:"render_key,omitempty"`
	// StreamingKey identifies the video at the hosting provider, when
	// streaming is enabled for the campaign.
	StreamingKey string `json:"streaming_key,omitempty"`
	// Asset is the download URL of the finished render.
	Asset string `json:"asset,omitempty"`

	LandingPageKey  string `json:"landing_page_key,omitempty"`
	LandingPageURL  string `json:"landing_page_url,omitempty"`
	ProductKeywords string `json:"product_keywords,omitempty"`
	GeoKeywords     string `json:"geo_keywords,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt time.Time  `json:"submitted_at"`
	LastMailed  *time.Time `json:"last_mailed,omitempty"`

	// Engagement counters, recomputed from the event log. Never decremented.
	VideoViews  int            `json:"video_views"`
	ViewedTime  int            `json:"viewed_time"`
	VisitViews  map[string]int `json:"visit_views,omitempty"`
	ShareCount  int            `json:"share_count"`
	EmailViews  int            `json:"email_views"`
	UserAgent   string         `json:"user_agent,omitempty"`
}

// VideoPath is the on-disk location of the rendered video, sharded by the
// first four characters of the render key.
func (p *Package) VideoPath(mediaRoot string) string {
	if len(p.RenderKey) < 4 {
		return ""
	}
	return filepath.Join(
		mediaRoot, "videos",
		p.RenderKey[:2], p.RenderKey[2:4],
		p.RenderKey+".mp4",
	)
}

// MaskedThumbnailPath is where the masked video thumbnail for this package is
// written.
func (p *Package) MaskedThumbnailPath(mediaRoot string) string {
	return filepath.Join(
		mediaRoot, "thumbnails",
		p.CompanyID, p.CampaignID,
		fmt.Sprintf("%d.jpg", p.ID),
	)
}

// Rect is a manual crop rectangle in source-image pixels.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// PackageImage is one photo attached to a package. Images are owned by their
// package and deleted with it.
type PackageImage struct {
	ID        uint64 `json:"id"`
	PackageID uint64 `json:"package_id"`

	// Path is relative to the media root.
	Path string `json:"path"`
	// Size is the image byte size, captured at intake; duplicate detection
	// compares it.
	Size int64 `json:"size"`

	IsSkipped   bool `json:"is_skipped"`
	IsThumbnail bool `json:"is_thumbnail"`
	// FromCampaign marks stock photos supplied by the campaign rather than
	// the customer; they are never eligible as the thumbnail.
	FromCampaign bool `json:"from_campaign"`

	Crop  *Rect `json:"crop,omitempty"`
	Angle int   `json:"angle,omitempty"`

	// Position orders images within the package.
	Position int `json:"position"`
}

// AbsolutePath resolves the image path against the media root.
func (img *PackageImage) AbsolutePath(mediaRoot string) string {
	return filepath.Join(mediaRoot, img.Path)
}

// SocialThumbnailPath is where the logo-stamped social crop of this image is
// written.
func (img *PackageImage) SocialThumbnailPath(mediaRoot string) string {
	return thumbVariantPath(mediaRoot, img.Path, "social")
}

// MaskedPath is where the masked per-photo thumbnail of this image is written.
func (img *PackageImage) MaskedPath(mediaRoot string) string {
	return thumbVariantPath(mediaRoot, img.Path, "masked")
}

func thumbVariantPath(mediaRoot, imagePath, variant string) string {
	dir, file := filepath.Split(imagePath)
	ext := filepath.Ext(file)
	base := file[:len(file)-len(ext)]
	return filepath.Join(mediaRoot, dir, base+"."+variant+".jpg")
}
