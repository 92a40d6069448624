package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

// Diagnose scans a single target outside the queue and prints its findings
// to w. Nothing is persisted.
func Diagnose(ctx context.Context, s Scanner, target string, w io.Writer) error {
	findings, _ := s.Scan(ctx, target)
	return PrintFindings(w, findings)
}

// PrintFindings writes one block per finding: the upper-cased severity and
// title, then any optional field on an indented line.
func PrintFindings(w io.Writer, findings []model.Finding) error {
	for _, f := range findings {
		if _, err := fmt.Fprintf(w, "[%s] %s\n", f.Severity.Upper(), f.Title); err != nil {
			return err
		}
		for _, field := range []struct{ name, value string }{
			{"description", f.Description},
			{"evidence", f.Evidence},
			{"recommendation", f.Recommendation},
		} {
			if field.value == "" {
				continue
			}
			if _, err := fmt.Fprintf(w, "  %s: %s\n", field.name, field.value); err != nil {
				return err
			}
		}
	}
	return nil
}
