package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	phaseIDPrefix = "prebuild-"
	phaseIDLayout = "20060102-150405"
)

// GeneratePhaseID generates a timestamp-based phase ID for human readability.
// Format: prebuild-YYYYMMDD-HHMMSS-<hash>
// Example: prebuild-20240726-143022-a7b3c1d2.
func GeneratePhaseID() string {
	now := time.Now().UTC()
	hash := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s-%s", phaseIDPrefix, now.Format(phaseIDLayout), hash)
}

// ParsePhaseID extracts the timestamp and hash of a phase ID.
func ParsePhaseID(phaseID string) (time.Time, string, error) {
	rest, ok := strings.CutPrefix(phaseID, phaseIDPrefix)
	if !ok || len(rest) < len(phaseIDLayout) {
		return time.Time{}, "", fmt.Errorf("invalid phase ID format: %s", phaseID)
	}

	timestamp, err := time.Parse(phaseIDLayout, rest[:len(phaseIDLayout)])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid timestamp in phase ID %s: %v", phaseID, err)
	}

	rest = rest[len(phaseIDLayout):]
	if len(rest) < 1 || rest[0] != '-' {
		return time.Time{}, "", fmt.Errorf("invalid phase ID format: missing hash portion in %s", phaseID)
	}

	hash := rest[1:]
	if len(hash) != 8 {
		return time.Time{}, "", fmt.Errorf("invalid hash length in phase ID %s: expected 8 characters, got %d", phaseID, len(hash))
	}
	if strings.Trim(hash, "0123456789abcdef") != "" {
		return time.Time{}, "", fmt.Errorf("invalid hash in phase ID %s: expected lowercase hex", phaseID)
	}

	return timestamp, hash, nil
}

// IsValidPhaseID checks if a string follows the expected phase ID format.
func IsValidPhaseID(phaseID string) bool {
	_, _, err := ParsePhaseID(phaseID)
	return err == nil
}
