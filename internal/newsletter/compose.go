package newsletter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mkowalski/foresight/internal/types"
)

// Theme groups validated signals of one type across articles.
type Theme struct {
	SignalType string
	Signals    []types.WeakSignal
	// Confidence is the mean adjusted confidence of the member signals.
	Confidence float64
	ArticleIDs []string
}

// synthesize clusters signals by type, dropping contradicted ones. Themes
// come back strongest first.
func synthesize(results []types.AnalysisResult) []Theme {
	byType := make(map[string]*Theme)
	for i := range results {
		res := &results[i]
		for _, sig := range res.Analysis.WeakSignals {
			if sig.ValidationStatus == types.ValidationContradicted {
				continue
			}
			t, ok := byType[sig.SignalType]
			if !ok {
				t = &Theme{SignalType: sig.SignalType}
				byType[sig.SignalType] = t
			}
			t.Signals = append(t.Signals, sig)
			t.ArticleIDs = append(t.ArticleIDs, res.ArticleID)
		}
	}

	themes := make([]Theme, 0, len(byType))
	for _, t := range byType {
		var sum float64
		for _, sig := range t.Signals {
			sum += adjustedConfidence(sig)
		}
		t.Confidence = sum / float64(len(t.Signals))
		themes = append(themes, *t)
	}

	sort.Slice(themes, func(i, j int) bool {
		if themes[i].Confidence != themes[j].Confidence {
			return themes[i].Confidence > themes[j].Confidence
		}
		return themes[i].SignalType < themes[j].SignalType
	})
	return themes
}

// adjustedConfidence applies the stage-2 adjustment, clamped to [0, 1].
func adjustedConfidence(sig types.WeakSignal) float64 {
	c := sig.Confidence + sig.ConfidenceAdjustment
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func averageConfidence(themes []Theme) float64 {
	if len(themes) == 0 {
		return 0
	}
	var sum float64
	for _, t := range themes {
		sum += t.Confidence
	}
	return sum / float64(len(themes))
}

func themeNames(themes []Theme) []string {
	names := make([]string, len(themes))
	for i, t := range themes {
		names[i] = t.SignalType
	}
	return names
}

func totalSignals(themes []Theme) int {
	n := 0
	for _, t := range themes {
		n += len(t.Signals)
	}
	return n
}

func issueTitle(themes []Theme) string {
	if len(themes) == 0 {
		return "Weak Signals Briefing"
	}
	return fmt.Sprintf("Weak Signals Briefing: %s", humanize(themes[0].SignalType))
}

// renderIssue produces the deterministic markdown issue.
func renderIssue(themes []Theme) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(issueTitle(themes))
	b.WriteString("\n")

	for _, t := range themes {
		fmt.Fprintf(&b, "\n## %s (confidence %.2f)\n\n", humanize(t.SignalType), t.Confidence)
		for _, sig := range t.Signals {
			fmt.Fprintf(&b, "- %s", sig.Description)
			if sig.Timeframe != "" {
				fmt.Fprintf(&b, " (%s)", sig.Timeframe)
			}
			b.WriteString("\n")
			if sig.Implications != "" {
				fmt.Fprintf(&b, "  - %s\n", sig.Implications)
			}
		}
	}
	return b.String()
}

// synthesisBrief is the prompt handed to a configured Writer.
func synthesisBrief(themes []Theme) string {
	var b strings.Builder
	b.WriteString("Write a weak-signals newsletter issue covering these themes, strongest first.\n")
	b.WriteString("Keep each theme to one tight paragraph; cite implications, not process.\n\n")
	for _, t := range themes {
		fmt.Fprintf(&b, "Theme: %s (confidence %.2f, %d signals)\n", t.SignalType, t.Confidence, len(t.Signals))
		for _, sig := range t.Signals {
			fmt.Fprintf(&b, "  - %s\n", sig.Description)
		}
	}
	return b.String()
}

func humanize(signalType string) string {
	parts := strings.Split(signalType, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
