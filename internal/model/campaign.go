package model

import "strings"

// VideoBackendKind selects which render-as-a-service provider produces the
// campaign's videos. It is an explicit tag chosen at configuration time, not
// inferred per call.
type VideoBackendKind string

const (
	// BackendRenderfarm is the XML-template backend with asynchronous
	// submit-then-poll semantics.
	BackendRenderfarm VideoBackendKind = "renderfarm"
	// BackendStoryboard is the JSON storyboard backend that returns the
	// finished video URL directly from submission.
	BackendStoryboard VideoBackendKind = "storyboard"
)

// DeriveBackendKind maps a legacy video template name to a backend tag.
// Imported campaigns named their storyboard templates with a "storyboard_"
// prefix; everything else rendered through the XML backend.
func DeriveBackendKind(videoTemplate string) VideoBackendKind {
	if strings.HasPrefix(videoTemplate, "storyboard") {
		return BackendStoryboard
	}
	return BackendRenderfarm
}

// Campaign carries the configuration the pipeline reads. The pipeline never
// writes campaigns.
type Campaign struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`

	VideoBackend  VideoBackendKind `json:"video_backend"`
	VideoTemplate string           `json:"video_template"`

	// Streaming pushes finished videos to the hosting provider.
	StreamingEnabled bool   `json:"streaming_enabled"`
	StreamingKey     string `json:"streaming_key,omitempty"`
	StreamingSecret  string `json:"streaming_secret,omitempty"`

	// Templates, by name, for the delivery channels.
	EmailTemplate string `json:"email_template,omitempty"`
	SMSTemplate   string `json:"sms_template,omitempty"`

	DefaultSubject string `json:"default_subject,omitempty"`
	// EmailManagers is a free-text list of addresses BCC'd on deliveries.
	EmailManagers string `json:"email_managers,omitempty"`

	// NotificationEmail receives the one-time "package created" notice when a
	// notification template is configured.
	NotificationEmail    string `json:"notification_email,omitempty"`
	NotificationTemplate string `json:"notification_template,omitempty"`

	// VinSolutionsEmail, when set, receives an XML lead message on delivery.
	VinSolutionsEmail string `json:"vin_solutions_email,omitempty"`

	DefaultContactID string `json:"default_contact_id,omitempty"`

	// MaskPath and LogoPath point at the campaign art used by the compositor,
	// relative to the media root.
	MaskPath string `json:"mask_path,omitempty"`
	LogoPath string `json:"logo_path,omitempty"`

	// Storyboard configuration for the storyboard backend.
	StoryboardName string `json:"storyboard_name,omitempty"`

	// Scene assets for the storyboard variants, relative to the media root.
	// Durations are in seconds; zero means unknown.
	IntroVideoPath     string `json:"intro_video_path,omitempty"`
	IntroVideoDuration int    `json:"intro_video_duration,omitempty"`
	FinalVideoPath     string `json:"final_video_path,omitempty"`
	FinalVideoDuration int    `json:"final_video_duration,omitempty"`
	SoundtrackPath     string `json:"soundtrack_path,omitempty"`

	// Scene text for the storyboard variants.
	WelcomeText string `json:"welcome_text,omitempty"`
	SloganText  string `json:"slogan_text,omitempty"`
}

// Company is the dealership owning campaigns and packages.
type Company struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`

	DefaultDisplayName string `json:"default_display_name,omitempty"`

	// ForwardToContacts BCCs the package contact on customer deliveries.
	ForwardToContacts bool `json:"forward_to_contacts"`

	// ProductKeywords and GeoKeywords are comma-separated pools the landing
	// page generator samples from.
	ProductKeywords string `json:"product_keywords,omitempty"`
	GeoKeywords     string `json:"geo_keywords,omitempty"`

	// StampPath is the company watermark, relative to the media root.
	StampPath string `json:"stamp_path,omitempty"`
}

// Contact is the salesperson a package is attributed to.
type Contact struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
}
