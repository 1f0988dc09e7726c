package models

// RiskLevel classifies the severity of a finding.
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
	RiskPass     RiskLevel = "PASS"
)

// Finding is one identified condition produced by a resource check.
type Finding struct {
	ResourceID     string         `json:"resourceId"`
	ResourceType   string         `json:"resourceType"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Issue          string         `json:"issue"`
	Recommendation string         `json:"recommendation"`
	Category       string         `json:"category"`
	Details        map[string]any `json:"details,omitempty"`
}

// Summary aggregates a completed inspection's findings by risk level.
type Summary struct {
	TotalResources int `json:"totalResources"`
	CriticalCount  int `json:"criticalCount"`
	HighCount      int `json:"highCount"`
	MediumCount    int `json:"mediumCount"`
	LowCount       int `json:"lowCount"`
	PassCount      int `json:"passCount"`
	Score          int `json:"score"`
}

// Summarize builds a Summary from a set of findings. The score starts at 100
// and is reduced per finding proportionally to its risk.
func Summarize(findings []Finding) Summary {
	s := Summary{TotalResources: len(findings)}
	score := 100
	for _, f := range findings {
		switch f.RiskLevel {
		case RiskCritical:
			s.CriticalCount++
			score -= 15
		case RiskHigh:
			s.HighCount++
			score -= 10
		case RiskMedium:
			s.MediumCount++
			score -= 5
		case RiskLow:
			s.LowCount++
			score -= 2
		case RiskPass:
			s.PassCount++
		}
	}
	if score < 0 {
		score = 0
	}
	s.Score = score
	return s
}
