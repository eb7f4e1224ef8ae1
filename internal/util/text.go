package util

import (
	"fmt"
	"strings"
	"time"
)

func HTMLEscape(input string) string {
	result := strings.ReplaceAll(input, "&", "&amp;")
	result = strings.ReplaceAll(result, "<", "&lt;")
	result = strings.ReplaceAll(result, ">", "&gt;")
	return result
}

func SplitByLimit(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	chunks := make([]string, 0, len(text)/maxLen+1)
	for len(text) > maxLen {
		chunks = append(chunks, text[:maxLen])
		text = text[maxLen:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// SplitByLineLimit splits text on line boundaries so that no chunk exceeds
// maxLen. Lines longer than maxLen are hard-split.
func SplitByLineLimit(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	lines := strings.Split(text, "\n")
	chunks := make([]string, 0, len(lines)/2+1)
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
	}

	for _, line := range lines {
		if len(line) > maxLen {
			flush()
			chunks = append(chunks, SplitByLimit(line, maxLen)...)
			continue
		}
		if current.Len() == 0 {
			current.WriteString(line)
			continue
		}
		if current.Len()+1+len(line) > maxLen {
			flush()
			current.WriteString(line)
			continue
		}
		current.WriteByte('\n')
		current.WriteString(line)
	}
	flush()
	return chunks
}

func FormatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

// FormatLatency renders a probe latency in milliseconds, "n/a" when unknown.
func FormatLatency(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

// UptimePercent returns the share of successful checks, ok is false when
// nothing has been checked yet.
func UptimePercent(total, failures int64) (float64, bool) {
	if total <= 0 {
		return 0, false
	}
	return float64(total-failures) / float64(total) * 100, true
}
