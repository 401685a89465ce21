// Package clientinfo derives the client context of a request from its
// headers. Everything here is pure: no lookups, no I/O.
package clientinfo

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coursemart/signin/internal/model"
	"github.com/mssola/useragent"
)

// Loopback is used when no client address can be determined
const Loopback = "127.0.0.1"

// Device classes
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// geoHeaders lists, per field, the edge-provider headers in precedence order.
var (
	countryHeaders = []string{"CF-IPCountry", "X-Vercel-IP-Country", "CloudFront-Viewer-Country", "X-Geo-Country"}
	cityHeaders    = []string{"CF-IPCity", "X-Vercel-IP-City", "CloudFront-Viewer-City", "X-Geo-City"}
	regionHeaders  = []string{"CF-Region", "X-Vercel-IP-Country-Region", "CloudFront-Viewer-Country-Region", "X-Geo-Region"}
)

// Cloudflare placeholders for "no country" and Tor exits.
var unresolvedCountries = map[string]bool{"XX": true, "T1": true}

var osNames = map[string]string{
	"Mac OS X":  "macOS",
	"iPhone OS": "iOS",
	"CPU OS":    "iPadOS",
	"CrOS":      "ChromeOS",
}

// Extract builds the client context for a request. remoteAddr is only used
// when no proxy header names the client.
func Extract(h http.Header, remoteAddr string) model.ClientContext {
	ua := strings.TrimSpace(h.Get("User-Agent"))
	deviceType, browser, osName := ParseUserAgent(ua)

	return model.ClientContext{
		IP:         ClientIP(h, remoteAddr),
		UserAgent:  orUnknown(ua),
		DeviceType: deviceType,
		Browser:    browser,
		OS:         osName,
		Country:    firstHeader(h, countryHeaders, normalizeCountry),
		City:       firstHeader(h, cityHeaders, decodeHeader),
		Region:     firstHeader(h, regionHeaders, decodeHeader),
	}
}

// FromRequest is Extract applied to an *http.Request
func FromRequest(r *http.Request) model.ClientContext {
	return Extract(r.Header, r.RemoteAddr)
}

// ClientIP resolves the client address: first X-Forwarded-For hop, then
// X-Real-IP, then the socket peer, then loopback.
func ClientIP(h http.Header, remoteAddr string) string {
	if forwarded := h.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	if ip := parseIP(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := parseIP(remoteAddr); ip != "" {
		return ip
	}
	return Loopback
}

// ParseUserAgent classifies a user agent string into device class, browser and OS
func ParseUserAgent(raw string) (deviceType, browser, osName string) {
	if raw == "" {
		return model.Unknown, model.Unknown, model.Unknown
	}

	ua := useragent.New(raw)

	browser, _ = ua.Browser()
	if browser == "" {
		browser = model.Unknown
	}

	osName = ua.OSInfo().Name
	if mapped, ok := osNames[osName]; ok {
		osName = mapped
	}
	if osName == "" {
		osName = model.Unknown
	}

	lower := strings.ToLower(raw)
	switch {
	case ua.Bot():
		deviceType = DeviceBot
	case strings.Contains(lower, "ipad"),
		strings.Contains(lower, "android") && !strings.Contains(lower, "mobile"):
		deviceType = DeviceTablet
	case ua.Mobile():
		deviceType = DeviceMobile
	default:
		deviceType = DeviceDesktop
	}

	return deviceType, browser, osName
}

func parseIP(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	ip := net.ParseIP(strings.Trim(value, "[]"))
	if ip == nil {
		return ""
	}
	return ip.String()
}

func firstHeader(h http.Header, names []string, normalize func(string) string) string {
	for _, name := range names {
		if v := normalize(h.Get(name)); v != "" {
			return v
		}
	}
	return model.Unknown
}

func normalizeCountry(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if unresolvedCountries[v] {
		return ""
	}
	return v
}

// decodeHeader undoes the percent-encoding some providers apply to
// non-ASCII city names.
func decodeHeader(v string) string {
	v = strings.TrimSpace(v)
	if decoded, err := url.QueryUnescape(v); err == nil {
		v = decoded
	}
	return strings.TrimSpace(v)
}

func orUnknown(v string) string {
	if v == "" {
		return model.Unknown
	}
	return v
}
