package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithSubmission returns a logger scoped to one field submission.
func WithSubmission(submissionID, domain string) *slog.Logger {
	return slog.With(
		"submission_id", submissionID,
		"domain", domain,
	)
}

// WithNode returns a logger scoped to a node within a pipeline run.
func WithNode(logger *slog.Logger, nodeID, nodeType string) *slog.Logger {
	return logger.With(
		"node_id", nodeID,
		"node_type", nodeType,
	)
}

// WithClinic returns a logger scoped to a clinician session.
func WithClinic(clinicID, clientID string) *slog.Logger {
	return slog.With(
		"clinic_id", clinicID,
		"client_id", clientID,
	)
}
