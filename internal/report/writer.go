package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Write persists the JSON and Markdown renderings under dir, named by run
// ID. Returns the two paths written.
func Write(dir string, r *Report) (jsonPath, mdPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}

	jsonPath = filepath.Join(dir, fmt.Sprintf("exitflow-%s.json", r.RunID))
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
		return "", "", fmt.Errorf("write json report: %w", err)
	}

	mdPath = filepath.Join(dir, fmt.Sprintf("exitflow-%s.md", r.RunID))
	if err := os.WriteFile(mdPath, []byte(RenderMarkdown(r)), 0o644); err != nil {
		return "", "", fmt.Errorf("write markdown report: %w", err)
	}

	return jsonPath, mdPath, nil
}
