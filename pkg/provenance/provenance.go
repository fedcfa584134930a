// Package provenance captures where a state-changing request came from.
package provenance

import (
	"context"
	"fmt"
	"strings"

	"github.com/mssola/useragent"

	"subsidy/pkg/requestcontext"
)

const unknownDevice = "Unknown Device"

// Provenance is recorded on decisions, audit events and signatures.
type Provenance struct {
	ClientIP  string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Device    string `json:"device,omitempty"`
}

// FromContext reads client metadata placed on the context by the metadata middleware.
func FromContext(ctx context.Context) Provenance {
	ua := requestcontext.UserAgent(ctx)
	p := Provenance{
		ClientIP:  requestcontext.ClientIP(ctx),
		UserAgent: ua,
	}
	if ua != "" {
		p.Device = ParseUserAgent(ua)
	}
	return p
}

// ParseUserAgent returns a display label such as "Chrome on Mac OS X".
func ParseUserAgent(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return unknownDevice
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	platform := ua.OS()
	if platform == "" {
		platform = ua.Platform()
	}
	if browser == "" {
		browser = "Unknown Browser"
	}
	if platform == "" {
		platform = "Unknown OS"
	}
	return strings.TrimSpace(fmt.Sprintf("%s on %s", browser, platform))
}
