package model

// RiskFactor names one contributor to a risk score
type RiskFactor string

const (
	RiskFactorNewDevice        RiskFactor = "new_device"
	RiskFactorNewLocation      RiskFactor = "new_location"
	RiskFactorUnknownLocation  RiskFactor = "unknown_location"
	RiskFactorUnusualHour      RiskFactor = "unusual_hour"
	RiskFactorVelocityAnomaly  RiskFactor = "velocity_anomaly"
	RiskFactorRecentFailures   RiskFactor = "recent_failures"
	RiskFactorImpossibleTravel RiskFactor = "impossible_travel"
	RiskFactorNoHistory        RiskFactor = "no_history"
	RiskFactorUnavailable      RiskFactor = "risk_unavailable"
)

// MaxRiskScore is the score assumed when risk cannot be computed
const MaxRiskScore = 100

// RiskAssessment is computed fresh for every attempt and never stored on its own
type RiskAssessment struct {
	Score                    int          `json:"score"`
	Factors                  []RiskFactor `json:"factors"`
	AllowTrustedDeviceBypass bool         `json:"allowTrustedDeviceBypass"`
}

// FactorStrings returns the factor tags as plain strings
func (r RiskAssessment) FactorStrings() []string {
	out := make([]string, len(r.Factors))
	for i, f := range r.Factors {
		out[i] = string(f)
	}
	return out
}
