package native

import (
	"strconv"
	"strings"

	"github.com/ashureev/pccare/internal/domain"
)

var markers = []struct {
	prefix string
	kind   domain.LineKind
}{
	{"[PROGRESS]", domain.LineProgress},
	{"[SUCCESS]", domain.LineSuccess},
	{"[OK]", domain.LineSuccess},
	{"[ERROR]", domain.LineError},
	{"[WARNING]", domain.LineWarning},
	{"[WARN]", domain.LineWarning},
}

// ClassifyLine turns one line of script output into an OutputLine. Scripts
// mark lines with a bracketed prefix; a progress line carries a percentage
// as its first field. Unmarked stderr lines are errors.
func ClassifyLine(text string, stderr bool) domain.OutputLine {
	trimmed := strings.TrimSpace(text)
	for _, m := range markers {
		if !strings.HasPrefix(strings.ToUpper(trimmed), m.prefix) {
			continue
		}
		rest := strings.TrimSpace(trimmed[len(m.prefix):])
		line := domain.OutputLine{Kind: m.kind, Text: rest}
		if m.kind == domain.LineProgress {
			line.Progress, line.Text = parseProgress(rest)
		}
		return line
	}
	if stderr {
		return domain.OutputLine{Kind: domain.LineError, Text: trimmed}
	}
	return domain.OutputLine{Kind: domain.LineInfo, Text: trimmed}
}

func parseProgress(s string) (*float64, string) {
	field, rest, _ := strings.Cut(s, " ")
	v, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64)
	if err != nil {
		return nil, s
	}
	v = min(max(v, 0), 100)
	return &v, strings.TrimSpace(rest)
}
