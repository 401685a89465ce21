package signin

import "time"

// User is the public user view returned by the API.
type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

// DeviceMetadata is optional client-reported device information.
type DeviceMetadata struct {
	ScreenResolution string `json:"screenResolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Language         string `json:"language,omitempty"`
	Platform         string `json:"platform,omitempty"`
	ColorDepth       int    `json:"colorDepth,omitempty"`
	TouchSupport     bool   `json:"touchSupport,omitempty"`
}

// LoginRequest contains the credentials for a sign-in attempt.
type LoginRequest struct {
	Email             string          `json:"email"`
	Password          string          `json:"password"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	DeviceMetadata    *DeviceMetadata `json:"deviceMetadata,omitempty"`
	RememberMe        bool            `json:"rememberMe,omitempty"`
	TrustDevice       bool            `json:"trustDevice,omitempty"`

	// DeviceCookie is the value of the device cookie from a previous sign-in.
	DeviceCookie string `json:"-"`
}

// VerifyRequest completes a second-factor challenge.
type VerifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Method      string `json:"method"`
	Code        string `json:"code"`
}

// Session is returned when a sign-in ends with a session.
type Session struct {
	User              User      `json:"user"`
	DeviceTrusted     bool      `json:"deviceTrusted"`
	SecurityScore     int       `json:"securityScore"`
	RiskScore         int       `json:"riskScore"`
	RiskFactors       []string  `json:"riskFactors"`
	BypassedTwoFactor bool      `json:"bypassedTwoFactor"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// ChallengeMethods lists the second-factor methods offered.
type ChallengeMethods struct {
	Primary    []string `json:"primary"`
	Additional []string `json:"additional"`
}

// Challenge is returned when a second factor is required.
type Challenge struct {
	ChallengeID     string           `json:"challengeId"`
	Methods         ChallengeMethods `json:"methods"`
	PreferredMethod string           `json:"preferredMethod,omitempty"`
	ExpiresAt       time.Time        `json:"expiresAt"`
}

// Result wraps a sign-in response: exactly one of Session and Challenge is set.
type Result struct {
	Session   *Session
	Challenge *Challenge

	// SessionToken is the session cookie value, set only with Session.
	SessionToken string
	// DeviceCookie is the device cookie value to present on the next sign-in.
	DeviceCookie string
}

// CurrentSession is the authenticated caller as the server sees it.
type CurrentSession struct {
	User struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
	Session struct {
		ID                string    `json:"id"`
		DeviceID          string    `json:"deviceId"`
		Trusted           bool      `json:"trusted"`
		BypassedTwoFactor bool      `json:"bypassedTwoFactor"`
		ExpiresAt         time.Time `json:"expiresAt"`
		CreatedAt         time.Time `json:"createdAt"`
	} `json:"session"`
}
