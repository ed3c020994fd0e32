package risk

import (
	"strings"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
)

// Indicator names recorded on classified events.
const (
	IndicatorRapidReconnect  = "rapid-reconnect"
	IndicatorBruteForce      = "brute-force"
	IndicatorVersionProbe    = "version-probe"
	IndicatorQuickDisconnect = "quick-disconnect"
)

const (
	rapidReconnectScore  = 15
	bruteForceScore      = 20
	versionProbeScore    = 15
	quickDisconnectScore = 10

	bruteForceAttempts     = 3
	quickDisconnectSeconds = 5.0
)

// Level thresholds (inclusive lower bounds).
const (
	CriticalThreshold = 70
	HighThreshold     = 35
	MediumThreshold   = 15
)

// scannerSignatures are client banner fragments of common scanning tools.
var scannerSignatures = []string{
	"libssh", "paramiko", "nmap", "masscan", "zgrab", "ssh-2.0-go", "ssh2js", "asyncssh", "jsch", "putty_probe",
}

// Assessment is the result of classifying one event.
type Assessment struct {
	Score           int
	Level           models.ThreatLevel
	Indicators      []string
	Recommendations []string
}

var recommendations = map[models.ThreatLevel][]string{
	models.ThreatCritical: {
		"Block source address and alert the security team",
		"Increase monitoring on all target ports",
		"Activate incident response procedures",
		"Retain all connection attempts for forensic analysis",
	},
	models.ThreatHigh: {
		"Block source address",
		"Increase monitoring on target ports",
		"Alert the security team",
		"Log detailed connection attempts",
	},
	models.ThreatMedium: {
		"Monitor source address closely",
		"Rate limit connections",
		"Log connection patterns",
	},
}

// RecommendationsFor returns the suggested responses for a threat level.
// Low has none.
func RecommendationsFor(level models.ThreatLevel) []string {
	return append([]string(nil), recommendations[level]...)
}

// Classifier scores events. It is pure and safe for concurrent use.
type Classifier struct {
	profile *Profile
}

func NewClassifier(profile *Profile) *Classifier {
	if profile == nil {
		profile = DefaultProfile()
	}
	return &Classifier{profile: profile}
}

func (c *Classifier) Profile() *Profile { return c.profile }

// Classify returns the score, level and matched indicators for ev.
func (c *Classifier) Classify(ev *models.Event) Assessment {
	score := 0
	if ev.TargetPort > 0 {
		score = c.profile.Weight(ev.TargetPort)
	}

	var indicators []string
	match := func(name string, inc int) {
		indicators = append(indicators, name)
		score += inc
	}

	if b, _ := ev.Payload.Bool(models.KeyRapidReconnect); b {
		match(IndicatorRapidReconnect, rapidReconnectScore)
	}
	if n, ok := ev.Payload.Int(models.KeyFailedAttempts); ok && n >= bruteForceAttempts {
		match(IndicatorBruteForce, bruteForceScore)
	}
	if isVersionProbe(ev) {
		match(IndicatorVersionProbe, versionProbeScore)
	}
	if ev.EventType == models.TypeSessionClosed {
		if d, ok := ev.Payload.Float(models.KeyDuration); ok && d < quickDisconnectSeconds {
			match(IndicatorQuickDisconnect, quickDisconnectScore)
		}
	}

	score = min(max(score, 0), 100)
	level := LevelFor(score)
	return Assessment{Score: score, Level: level, Indicators: indicators, Recommendations: RecommendationsFor(level)}
}

// Apply classifies ev and stores the result on it.
func (c *Classifier) Apply(ev *models.Event) {
	a := c.Classify(ev)
	ev.RiskScore = a.Score
	ev.ThreatLevel = a.Level
	ev.Indicators = a.Indicators
}

// LevelFor buckets a score.
func LevelFor(score int) models.ThreatLevel {
	switch {
	case score >= CriticalThreshold:
		return models.ThreatCritical
	case score >= HighThreshold:
		return models.ThreatHigh
	case score >= MediumThreshold:
		return models.ThreatMedium
	default:
		return models.ThreatLow
	}
}

func isVersionProbe(ev *models.Event) bool {
	if ev.EventType == models.TypeClientVersion {
		return true
	}
	version, ok := ev.Payload.String(models.KeyVersion)
	if !ok {
		return false
	}
	version = strings.ToLower(version)
	for _, sig := range scannerSignatures {
		if strings.Contains(version, sig) {
			return true
		}
	}
	return false
}
