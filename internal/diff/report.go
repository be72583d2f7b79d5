package diff

import (
	"fmt"
	"strings"
)

// FormatReport renders metrics as a human-readable report for logs and
// operator tooling.
func FormatReport(m Metrics) string {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	yesNo := func(v bool) string {
		if v {
			return "Yes"
		}
		return "No"
	}

	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "SNAPSHOT CHANGE REPORT")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Change Score: %.2f%%\n", m.ChangeScore*100)
	fmt.Fprintf(&b, "Similarity: %.2f%%\n", m.SimilarityScore*100)
	fmt.Fprintf(&b, "Change Type: %s\n", strings.ReplaceAll(string(m.ChangeType), "_", " "))
	fmt.Fprintf(&b, "Significant: %s\n", yesNo(m.IsSignificant))
	fmt.Fprintf(&b, "Requires Reanalysis: %s\n", yesNo(m.RequiresReanalysis))
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "CONTENT CHANGES:")
	fmt.Fprintf(&b, "  Text Added: %d bytes\n", m.TextAddedBytes)
	fmt.Fprintf(&b, "  Text Removed: %d bytes\n", m.TextRemovedBytes)
	fmt.Fprintf(&b, "  Text Changed: %.1f%%\n", m.TextChangedPercentage*100)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "STRUCTURE CHANGES:")
	fmt.Fprintf(&b, "  Structure Diff: %.2f%%\n", m.StructureDiffScore*100)
	fmt.Fprintf(&b, "  New Sections: %d\n", m.NewSections)
	fmt.Fprintf(&b, "  Removed Sections: %d\n", m.RemovedSections)
	fmt.Fprintf(&b, "  Layout Changed: %s\n", yesNo(m.LayoutChanged))
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "RESOURCE CHANGES:")
	fmt.Fprintf(&b, "  Added: %d\n", m.ResourcesAdded)
	fmt.Fprintf(&b, "  Removed: %d\n", m.ResourcesRemoved)
	fmt.Fprintf(&b, "  Changed: %d\n", m.ResourcesChanged)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "PAGE CHANGES:")
	fmt.Fprintf(&b, "  Added: %d\n", len(m.PagesAdded))
	fmt.Fprintf(&b, "  Removed: %d\n", len(m.PagesRemoved))
	fmt.Fprintf(&b, "  Modified: %d\n", len(m.PagesChanged))
	fmt.Fprint(&b, rule)
	return b.String()
}
