package relay

import "github.com/google/uuid"

// DeviceAgent describes the synthetic device presented to the upstream
// service. Browsers may send a partial descriptor in their init payload;
// missing fields fall back to the web defaults below.
type DeviceAgent struct {
	DeviceType      string `json:"deviceType"`
	Locale          string `json:"locale"`
	DeviceLocale    string `json:"deviceLocale"`
	OSVersion       string `json:"osVersion"`
	DeviceName      string `json:"deviceName"`
	HeaderUserAgent string `json:"headerUserAgent"`
	AppVersion      string `json:"appVersion"`
	Screen          string `json:"screen"`
	Timezone        string `json:"timezone"`
}

func defaultDeviceAgent() DeviceAgent {
	return DeviceAgent{
		DeviceType:      "WEB",
		Locale:          "ru-RU",
		DeviceLocale:    "ru",
		OSVersion:       "macOS",
		DeviceName:      "Chrome",
		HeaderUserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		AppVersion:      "26.2.1",
		Screen:          "1920x1080 2.0x",
		Timezone:        "Europe/Moscow",
	}
}

// withDefaults backfills empty fields from the web defaults.
func (a DeviceAgent) withDefaults() DeviceAgent {
	def := defaultDeviceAgent()
	if a.DeviceType == "" {
		a.DeviceType = def.DeviceType
	}
	if a.Locale == "" {
		a.Locale = def.Locale
	}
	if a.DeviceLocale == "" {
		a.DeviceLocale = def.DeviceLocale
	}
	if a.OSVersion == "" {
		a.OSVersion = def.OSVersion
	}
	if a.DeviceName == "" {
		a.DeviceName = def.DeviceName
	}
	if a.HeaderUserAgent == "" {
		a.HeaderUserAgent = def.HeaderUserAgent
	}
	if a.AppVersion == "" {
		a.AppVersion = def.AppVersion
	}
	if a.Screen == "" {
		a.Screen = def.Screen
	}
	if a.Timezone == "" {
		a.Timezone = def.Timezone
	}
	return a
}

// newDeviceID returns the RFC-4122 v4 id the upstream handshake expects.
// It is stable for the whole session, including protocol restarts.
func newDeviceID() string {
	return uuid.NewString()
}
