package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/heightsync/internal/fetcher"
)

// FormatSuccessMessage creates a batch summary body.
func FormatSuccessMessage(result *fetcher.BatchResult, duration time.Duration) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Total: %d endpoints\n", result.Total))
	sb.WriteString(fmt.Sprintf("Success: %d\n", result.Success))
	sb.WriteString(fmt.Sprintf("Failed: %d\n", result.Failed))
	for _, r := range result.Results {
		if r.Success {
			sb.WriteString(fmt.Sprintf("- %s: height %d, %d rows\n", r.Task.Name, r.Height, r.Rows))
		}
	}
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Second)))

	return sb.String()
}

// FormatFailureMessage creates a failure body. result may be nil when the failure is
// not tied to a batch, such as a subscription ending on a fatal error.
func FormatFailureMessage(result *fetcher.BatchResult, duration time.Duration, err error) string {
	var sb strings.Builder

	if result != nil {
		sb.WriteString(fmt.Sprintf("Total: %d endpoints\n", result.Total))
		sb.WriteString(fmt.Sprintf("Success: %d\n", result.Success))
		sb.WriteString(fmt.Sprintf("Failed: %d\n", result.Failed))
	}
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Second)))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	// First 3 errors only.
	if result != nil && len(result.Errors) > 0 {
		sb.WriteString("\n\nErrors:\n")
		limit := min(len(result.Errors), 3)
		for i := 0; i < limit; i++ {
			sb.WriteString(fmt.Sprintf("- %s\n", result.Errors[i]))
		}
		if len(result.Errors) > 3 {
			sb.WriteString(fmt.Sprintf("... and %d more errors", len(result.Errors)-3))
		}
	}

	return sb.String()
}
