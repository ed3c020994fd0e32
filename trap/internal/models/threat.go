package models

import "fmt"

// ThreatLevel is the discrete bucket of a risk score.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatLevels lists every level from least to most severe.
var ThreatLevels = []ThreatLevel{ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical}

// ParseThreatLevel validates s.
func ParseThreatLevel(s string) (ThreatLevel, error) {
	for _, l := range ThreatLevels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown threat level %q", s)
}
