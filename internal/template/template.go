// Package template renders the customer-facing and internal text produced by
// the pipeline: delivery emails, SMS bodies, notification notices, lead
// exports and video scene definitions.
package template

import "fmt"

// Template is one named, renderable document.
type Template struct {
	Name string `yaml:"name"`

	// Subject applies to email templates.
	Subject string `yaml:"subject,omitempty"`

	// HTML is the rich body; Text the plain one. Either may be empty.
	HTML string `yaml:"html,omitempty"`
	Text string `yaml:"text,omitempty"`
}

// RenderResult contains the rendered output.
type RenderResult struct {
	Subject string
	HTML    string
	Text    string
}

// Body returns the best available rendered body.
func (r *RenderResult) Body() string {
	if r.HTML != "" {
		return r.HTML
	}
	return r.Text
}

// ErrNotFound is returned when a named template does not exist.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}
