package core

import (
	"encoding/json"
	"strings"
)

const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceBot     = "bot"
)

var knownDevices = map[string]bool{
	DeviceMobile:  true,
	DeviceTablet:  true,
	DeviceDesktop: true,
	DeviceBot:     true,
}

type browserDeviceAttributes struct {
	Devices     []string `json:"devices"`
	Browsers    []string `json:"browsers"`
	Platforms   []string `json:"platforms"`
	HideOnMatch bool     `json:"hideOnMatch"`
}

func browserDeviceControl() Definition {
	return Definition{
		ID:          ControlBrowserDevice,
		Label:       "Browser & device",
		Icon:        "smartphone",
		SettingSlug: "browser_device",
		Defaults:    json.RawMessage(`{}`),
		Evaluator:   EvaluatorFunc(evaluateBrowserDevice),
	}
}

func evaluateBrowserDevice(in Input, ctx Context) TriState {
	if ctx.Request == nil {
		return NotApplicable
	}

	var attrs browserDeviceAttributes
	if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
		return NotApplicable
	}

	devices := make([]string, 0, len(attrs.Devices))
	for _, device := range attrs.Devices {
		device = strings.ToLower(strings.TrimSpace(device))
		if knownDevices[device] {
			devices = append(devices, device)
		}
	}

	checks := []struct {
		want []string
		have string
	}{
		{want: devices, have: ctx.Request.Device},
		{want: attrs.Browsers, have: ctx.Request.Browser},
		{want: attrs.Platforms, have: ctx.Request.Platform},
	}

	configured := false
	matched := true
	for _, check := range checks {
		if len(check.want) == 0 {
			continue
		}
		if check.have == "" {
			return NotApplicable
		}
		configured = true
		if !containsFold(check.want, check.have) {
			matched = false
		}
	}
	if !configured {
		return NotApplicable
	}

	return Verdict(matched != attrs.HideOnMatch)
}

const (
	ScreenExtraLarge = "extra-large"
	ScreenLarge      = "large"
	ScreenMedium     = "medium"
	ScreenSmall      = "small"
	ScreenExtraSmall = "extra-small"
)

var screenSizes = []string{ScreenExtraLarge, ScreenLarge, ScreenMedium, ScreenSmall, ScreenExtraSmall}

type screenSizeAttributes struct {
	HideOn []string `json:"hideOn"`
}

func screenSizeControl() Definition {
	return Definition{
		ID:          ControlScreenSize,
		Label:       "Screen size",
		Icon:        "desktop",
		SettingSlug: "screen_size",
		Defaults:    json.RawMessage(`{"hideOn":[]}`),
		Evaluator:   EvaluatorFunc(evaluateScreenSize),
		ClientHints: screenSizeHints,
	}
}

// ClassifyScreen maps a viewport width to a named size.
func ClassifyScreen(width int, breakpoints Breakpoints) string {
	switch {
	case width >= breakpoints.ExtraLarge:
		return ScreenExtraLarge
	case width >= breakpoints.Large:
		return ScreenLarge
	case width >= breakpoints.Medium:
		return ScreenMedium
	case width >= breakpoints.Small:
		return ScreenSmall
	default:
		return ScreenExtraSmall
	}
}

func hiddenScreenSizes(raw json.RawMessage) []string {
	var attrs screenSizeAttributes
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil
	}
	sizes := make([]string, 0, len(attrs.HideOn))
	for _, size := range screenSizes {
		if containsFold(attrs.HideOn, size) {
			sizes = append(sizes, size)
		}
	}
	return sizes
}

// evaluateScreenSize is NotApplicable without a known width; the page then
// relies on the classes from screenSizeHints.
func evaluateScreenSize(in Input, ctx Context) TriState {
	hidden := hiddenScreenSizes(in.Attributes)
	if len(hidden) == 0 || ctx.ScreenWidth <= 0 {
		return NotApplicable
	}

	size := ClassifyScreen(ctx.ScreenWidth, in.Settings.breakpoints())
	for _, h := range hidden {
		if h == size {
			return ApplicableFalse
		}
	}
	return ApplicableTrue
}

func screenSizeHints(in Input, ctx Context) []string {
	if ctx.ScreenWidth > 0 {
		return nil
	}
	hidden := hiddenScreenSizes(in.Attributes)
	classes := make([]string, 0, len(hidden))
	for _, size := range hidden {
		classes = append(classes, "block-visibility-hide-"+size+"-screen")
	}
	return classes
}
