// Package evalctx assembles evaluation contexts for the two places a block
// decision is made: the editor preview and the page render. Both paths
// derive every fact through the same helpers so a block resolves the same
// way in either.
package evalctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/blockvis/internal/core"
	"github.com/mssola/useragent"
)

const (
	HeaderForwardedURI   = "X-Forwarded-Uri"
	HeaderViewportWidth  = "Sec-CH-Viewport-Width"
	HeaderViewportLegacy = "Viewport-Width"
)

var ErrInvalidFacts = errors.New("invalid evaluation facts")

type Options struct {
	Clock    func() time.Time
	Location *time.Location
}

func (o Options) now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock()
}

// Facts is the single field set both call sites fill in.
type Facts struct {
	Now          time.Time
	Location     *time.Location
	User         *core.User
	Request      *core.Request
	ScreenWidth  int
	Integrations map[string]core.Integration
	Metadata     json.RawMessage
}

func (f Facts) Context() core.Context {
	return core.Context{
		Now:          f.Now,
		Location:     f.Location,
		User:         f.User,
		Request:      f.Request,
		ScreenWidth:  f.ScreenWidth,
		Integrations: f.Integrations,
		Metadata:     f.Metadata,
	}
}

// Subject carries the facts the host platform knows about the visitor and
// page, which neither path can observe itself.
type Subject struct {
	User         *core.User                  `json:"user,omitempty"`
	Integrations map[string]core.Integration `json:"integrations,omitempty"`
	Metadata     json.RawMessage             `json:"metadata,omitempty"`
}

// PreviewFacts are the request-like facts an editor simulates.
type PreviewFacts struct {
	Subject
	Now         string            `json:"now,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	URL         string            `json:"url,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	ScreenWidth int               `json:"screen_width,omitempty"`
}

func FromPreview(preview PreviewFacts, opts Options) (Facts, error) {
	loc := opts.Location
	if preview.Timezone != "" {
		zone, err := time.LoadLocation(preview.Timezone)
		if err != nil {
			return Facts{}, fmt.Errorf("%w: timezone %q", ErrInvalidFacts, preview.Timezone)
		}
		loc = zone
	}

	now := opts.now()
	if preview.Now != "" {
		parsed, err := time.Parse(time.RFC3339, preview.Now)
		if err != nil {
			return Facts{}, fmt.Errorf("%w: now: %v", ErrInvalidFacts, err)
		}
		now = parsed
	}

	if preview.ScreenWidth < 0 {
		return Facts{}, fmt.Errorf("%w: screen_width must be >= 0", ErrInvalidFacts)
	}

	var request *core.Request
	if preview.URL != "" || preview.UserAgent != "" || preview.Referrer != "" || len(preview.Cookies) > 0 {
		request = buildRequest(preview.URL, preview.Cookies, preview.UserAgent, preview.Referrer)
	}

	return Facts{
		Now:          now,
		Location:     loc,
		User:         preview.User,
		Request:      request,
		ScreenWidth:  preview.ScreenWidth,
		Integrations: preview.Integrations,
		Metadata:     preview.Metadata,
	}, nil
}

// FromRequest reads the visitor's request facts as forwarded by the page
// renderer. The page URL only comes from X-Forwarded-Uri; without it the
// URL is unknown and path and query controls do not apply.
func FromRequest(r *http.Request, subject Subject, opts Options) Facts {
	pageURL := strings.TrimSpace(r.Header.Get(HeaderForwardedURI))

	cookies := make(map[string]string)
	for _, cookie := range r.Cookies() {
		if _, ok := cookies[cookie.Name]; !ok {
			cookies[cookie.Name] = cookie.Value
		}
	}

	return Facts{
		Now:          opts.now(),
		Location:     opts.Location,
		User:         subject.User,
		Request:      buildRequest(pageURL, cookies, r.UserAgent(), r.Referer()),
		ScreenWidth:  viewportWidth(r.Header),
		Integrations: subject.Integrations,
		Metadata:     subject.Metadata,
	}
}

func buildRequest(pageURL string, cookies map[string]string, userAgent string, referrer string) *core.Request {
	request := &core.Request{
		URLUnknown: true,
		Cookies:    cookies,
		UserAgent:  userAgent,
		Referrer:   strings.TrimSpace(referrer),
	}
	if request.Cookies == nil {
		request.Cookies = map[string]string{}
	}

	if pageURL != "" {
		if parsed, err := url.Parse(pageURL); err == nil {
			request.URLUnknown = false
			request.Path = "/"
			if parsed.Path != "" {
				request.Path = parsed.Path
			}
			request.Query = map[string][]string(parsed.Query())
		}
	}

	request.Device, request.Browser, request.Platform = classify(userAgent)
	return request
}

// classify derives device class, browser and platform from a user agent.
// Empty values mean unknown.
func classify(userAgent string) (device, browser, platform string) {
	if strings.TrimSpace(userAgent) == "" {
		return "", "", ""
	}

	ua := useragent.New(userAgent)
	browser, _ = ua.Browser()
	platform = ua.OSInfo().Name

	lower := strings.ToLower(userAgent)
	switch {
	case ua.Bot():
		device = core.DeviceBot
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet") ||
		(strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")):
		device = core.DeviceTablet
	case ua.Mobile():
		device = core.DeviceMobile
	default:
		device = core.DeviceDesktop
	}
	return device, browser, platform
}

func viewportWidth(header http.Header) int {
	for _, name := range []string{HeaderViewportWidth, HeaderViewportLegacy} {
		value := strings.TrimSpace(header.Get(name))
		if value == "" {
			continue
		}
		width, err := strconv.Atoi(value)
		if err != nil || width <= 0 {
			continue
		}
		return width
	}
	return 0
}
