package api

import (
	"strings"

	"github.com/lei/conveyor/internal/models"
)

// FilterBuilds filters builds by status and pipeline, capping the result
// at limit when limit is positive. Input order is preserved.
func FilterBuilds(builds []models.Build, status, pipelineID string, limit int) []models.Build {
	filtered := make([]models.Build, 0, len(builds))
	for _, b := range builds {
		if status != "" && string(b.Status) != status {
			continue
		}
		if pipelineID != "" && b.PipelineID != pipelineID {
			continue
		}
		filtered = append(filtered, b)
		if limit > 0 && len(filtered) == limit {
			break
		}
	}
	return filtered
}

// FilterAgents filters agents by derived status and by a label they must
// carry
func FilterAgents(agents []models.Agent, status, label string) []models.Agent {
	if status == "" && label == "" {
		return agents
	}

	filtered := make([]models.Agent, 0, len(agents))
	for _, a := range agents {
		if status != "" && string(a.Status) != status {
			continue
		}
		if label != "" && !hasLabel(a.Labels, label) {
			continue
		}
		filtered = append(filtered, a)
	}
	return filtered
}

func hasLabel(labels []string, want string) bool {
	want = strings.ToLower(want)
	for _, l := range labels {
		if strings.ToLower(l) == want {
			return true
		}
	}
	return false
}

// parseBoolParam parses boolean query parameters
func parseBoolParam(value string) *bool {
	if value == "" {
		return nil
	}

	if value == "true" || value == "1" {
		result := true
		return &result
	}

	if value == "false" || value == "0" {
		result := false
		return &result
	}

	return nil
}
