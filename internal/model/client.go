package model

import "fmt"

// Unknown is the value of any client attribute that could not be resolved
const Unknown = "Unknown"

// ClientContext describes where a request came from
type ClientContext struct {
	IP         string `json:"ip"`
	UserAgent  string `json:"userAgent"`
	DeviceType string `json:"deviceType"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	Country    string `json:"country"`
	City       string `json:"city"`
	Region     string `json:"region"`
}

// Location renders the coarse location as "City, Region, Country"
func (c ClientContext) Location() string {
	return fmt.Sprintf("%s, %s, %s", c.City, c.Region, c.Country)
}

// HasLocation reports whether at least the country is known
func (c ClientContext) HasLocation() bool {
	return c.Country != "" && c.Country != Unknown
}
