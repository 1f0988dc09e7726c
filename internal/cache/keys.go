package cache

import (
	"github.com/google/uuid"
)

// JobStatusKey is the cheap status mirror read by pollers.
func JobStatusKey(jobID uuid.UUID) string {
	return "cloudvet:job:status:" + jobID.String()
}

// EmergencyKey holds the minimal emergency-tier record for a job whose
// primary persistence failed.
func EmergencyKey(jobID uuid.UUID) string {
	return "cloudvet:job:emergency:" + jobID.String()
}

// RateLimitKey tracks request counts per API key prefix.
func RateLimitKey(prefix string) string {
	return "cloudvet:ratelimit:" + prefix
}
