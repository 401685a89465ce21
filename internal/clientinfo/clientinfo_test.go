package clientinfo

import (
	"net/http"
	"testing"

	"github.com/coursemart/signin/internal/model"
	"github.com/stretchr/testify/assert"
)

const (
	firefoxLinux = "Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0"
	chromeWin    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
	safariPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	safariPad    = "Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/604.1"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestClientIP_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		h          http.Header
		remoteAddr string
		want       string
	}{
		{
			name: "forwarded-for first hop wins",
			h:    headers("X-Forwarded-For", "203.0.113.7, 10.0.0.1", "X-Real-IP", "198.51.100.2"),
			want: "203.0.113.7",
		},
		{
			name: "real ip when forwarded-for missing",
			h:    headers("X-Real-IP", "198.51.100.2"),
			want: "198.51.100.2",
		},
		{
			name: "garbage forwarded-for falls through",
			h:    headers("X-Forwarded-For", "not-an-ip", "X-Real-IP", "198.51.100.2"),
			want: "198.51.100.2",
		},
		{
			name:       "socket peer",
			h:          headers(),
			remoteAddr: "192.0.2.10:53211",
			want:       "192.0.2.10",
		},
		{
			name: "loopback fallback",
			h:    headers(),
			want: Loopback,
		},
		{
			name: "ipv6 hop",
			h:    headers("X-Forwarded-For", "2001:db8::1"),
			want: "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientIP(tt.h, tt.remoteAddr))
		})
	}
}

func TestExtract_GeoPrecedence(t *testing.T) {
	h := headers(
		"CF-IPCountry", "DE",
		"X-Vercel-IP-Country", "FR",
		"X-Vercel-IP-City", "S%C3%A3o%20Paulo",
		"CloudFront-Viewer-Country-Region", "SP",
	)

	cc := Extract(h, "")
	assert.Equal(t, "DE", cc.Country)
	assert.Equal(t, "São Paulo", cc.City)
	assert.Equal(t, "SP", cc.Region)
}

func TestExtract_UnresolvedFieldsAreUnknown(t *testing.T) {
	cc := Extract(headers("CF-IPCountry", "XX"), "")

	assert.Equal(t, model.Unknown, cc.Country)
	assert.Equal(t, model.Unknown, cc.City)
	assert.Equal(t, model.Unknown, cc.Region)
	assert.Equal(t, model.Unknown, cc.UserAgent)
	assert.Equal(t, model.Unknown, cc.Browser)
	assert.Equal(t, model.Unknown, cc.OS)
	assert.Equal(t, model.Unknown, cc.DeviceType)
	assert.Equal(t, Loopback, cc.IP)
	assert.False(t, cc.HasLocation())
}

func TestParseUserAgent(t *testing.T) {
	deviceType, browser, osName := ParseUserAgent(firefoxLinux)
	assert.Equal(t, DeviceDesktop, deviceType)
	assert.Equal(t, "Firefox", browser)
	assert.Contains(t, osName, "Linux")

	deviceType, browser, osName = ParseUserAgent(chromeWin)
	assert.Equal(t, DeviceDesktop, deviceType)
	assert.Equal(t, "Chrome", browser)
	assert.Contains(t, osName, "Windows")

	deviceType, _, _ = ParseUserAgent(safariPhone)
	assert.Equal(t, DeviceMobile, deviceType)

	deviceType, _, _ = ParseUserAgent(safariPad)
	assert.Equal(t, DeviceTablet, deviceType)
}

func TestExtract_IsPure(t *testing.T) {
	h := headers("User-Agent", chromeWin, "X-Forwarded-For", "203.0.113.7", "CF-IPCountry", "us")

	first := Extract(h, "")
	second := Extract(h, "")
	assert.Equal(t, first, second)
	assert.Equal(t, "US", first.Country)
}
