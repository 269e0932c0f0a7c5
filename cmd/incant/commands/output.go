package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/crystian/incant/pkg/engine"
	"github.com/crystian/incant/pkg/inventory"
)

// stepLine is the JSON projection of one step.
type stepLine struct {
	Kind       string   `json:"kind"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Operation  string   `json:"operation,omitempty"`
	Changed    bool     `json:"changed"`
	Msg        string   `json:"msg,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type summaryDoc struct {
	RunID   string     `json:"run_id"`
	DryRun  bool       `json:"dry_run"`
	Changed int        `json:"changed"`
	Failed  int        `json:"failed"`
	Blocked int        `json:"blocked"`
	Steps   []stepLine `json:"steps"`
}

func summaryToDoc(s *engine.Summary) summaryDoc {
	doc := summaryDoc{
		RunID:   s.RunID,
		DryRun:  s.DryRun,
		Changed: s.Changed,
		Failed:  s.Failed,
		Blocked: s.Blocked,
	}
	for _, step := range s.Steps {
		line := stepLine{
			Kind:      step.Declaration.Kind,
			Name:      step.Declaration.Name,
			Status:    string(step.Status),
			Operation: step.Operation,
			Changed:   step.Changed(),
		}
		if step.Report != nil {
			line.Msg = step.Report.Msg
		}
		for _, v := range step.Violations {
			line.Violations = append(line.Violations, v.Message)
		}
		if step.Err != nil {
			line.Error = step.Err.Error()
		}
		doc.Steps = append(doc.Steps, line)
	}
	return doc
}

// printSummary renders the pass outcome, as JSON or human lines.
func printSummary(w io.Writer, s *engine.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaryToDoc(s))
	}

	for _, step := range s.Steps {
		label := "ok"
		switch {
		case step.Status == inventory.StepStatusFailed:
			label = "failed"
		case step.Status == inventory.StepStatusBlocked:
			label = "blocked"
		case step.Changed() && s.DryRun:
			label = "would change"
		case step.Changed():
			label = "changed"
		}
		msg := ""
		if step.Report != nil {
			msg = step.Report.Msg
		}
		if step.Err != nil {
			msg = step.Err.Error()
		}
		fmt.Fprintf(w, "%-12s %s/%s  %s\n", label, step.Declaration.Kind, step.Declaration.Name, msg)
		for _, v := range step.Violations {
			fmt.Fprintf(w, "%-12s   policy %s (%s): %s\n", "", v.Policy, v.Severity, v.Message)
		}
	}

	verb := "changed"
	if s.DryRun {
		verb = "would change"
	}
	fmt.Fprintf(w, "\n%d declarations: %d %s, %d failed, %d blocked\n",
		len(s.Steps), s.Changed, verb, s.Failed, s.Blocked)
	return nil
}
