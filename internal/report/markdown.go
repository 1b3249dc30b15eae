package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RenderMarkdown renders the report as a Markdown evidence document.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString("# Exit Flow Trace Report\n\n")
	sb.WriteString(fmt.Sprintf("Run: %s\n\n", r.RunID))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	sb.WriteString("## Parameters\n\n")
	sb.WriteString("| Parameter | Value |\n")
	sb.WriteString("|-----------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Token Contract | %s |\n", r.Params.TokenContract))
	sb.WriteString(fmt.Sprintf("| Protocol Contract | %s |\n", r.Params.ProtocolContract))
	sb.WriteString(fmt.Sprintf("| Window (blocks) | %d |\n", r.Params.WindowBlocks))
	sb.WriteString(fmt.Sprintf("| Hop Budget | %d |\n", r.Params.MaxHops))
	sb.WriteString(fmt.Sprintf("| Branch Width | %d |\n", r.Params.BranchWidth))
	sb.WriteString(fmt.Sprintf("| Min Absolute | %s |\n", r.Params.MinAbsolute))
	sb.WriteString(fmt.Sprintf("| Min Fraction (bps) | %d |\n", r.Params.MinFractionBps))
	sb.WriteString(fmt.Sprintf("| Exit Events | %d |\n", r.Params.ExitEventCount))
	sb.WriteString("\n")

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Total Exits Traced | %d |\n", r.TotalExits))
	sb.WriteString(fmt.Sprintf("| Matched | %d |\n", r.MatchedCount))
	sb.WriteString(fmt.Sprintf("| Matched Amount (base units) | %s |\n", r.MatchedAmount))
	sb.WriteString(fmt.Sprintf("| Total Amount (base units) | %s |\n", r.TotalAmount))
	sb.WriteString("\n")

	sb.WriteString("## Outcomes\n\n")
	if len(r.ByOutcome) > 0 {
		sb.WriteString("| Outcome | Count |\n")
		sb.WriteString("|---------|-------|\n")
		for _, row := range r.ByOutcome {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", row.Outcome, row.Count))
		}
	} else {
		sb.WriteString("No traces recorded.\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Matches by Hop Depth\n\n")
	if len(r.ByHopDepth) > 0 {
		sb.WriteString("| Hops | Count |\n")
		sb.WriteString("|------|-------|\n")
		for _, row := range r.ByHopDepth {
			sb.WriteString(fmt.Sprintf("| %d | %d |\n", row.Hops, row.Count))
		}
	} else {
		sb.WriteString("No matches.\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Terminal Categories\n\n")
	if len(r.ByTerminalCategory) > 0 {
		sb.WriteString("| Category | Count |\n")
		sb.WriteString("|----------|-------|\n")
		for _, row := range r.ByTerminalCategory {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", row.Category, row.Count))
		}
	} else {
		sb.WriteString("No traces recorded.\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Exemplar Traces\n\n")
	if len(r.Exemplars) == 0 {
		sb.WriteString("No exemplars recorded.\n")
	}
	categories := make([]string, 0, len(r.Exemplars))
	for category := range r.Exemplars {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		sb.WriteString(fmt.Sprintf("### %s\n\n", category))
		for _, res := range r.Exemplars[category] {
			sb.WriteString(fmt.Sprintf("- exit `%s` (block %d, amount %s): %s",
				res.Exit.TxHash, res.Exit.BlockNumber, res.Exit.AmountRaw, res.Outcome))
			if res.TerminalLabel != "" {
				sb.WriteString(fmt.Sprintf(" to %s", res.TerminalLabel))
			}
			sb.WriteString("\n")
			for i, hop := range res.Hops {
				sb.WriteString(fmt.Sprintf("  - hop %d: `%s` -> `%s` at block %d, amount %s (tx `%s`)\n",
					i+1, hop.From, hop.To, hop.BlockNumber, hop.AmountRaw, hop.TxHash))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
