package monitor

import (
	"fmt"
	"strings"
	"time"

	"portwatch/internal/probe"
	"portwatch/internal/storage"
	"portwatch/internal/util"
)

func formatDownAlert(ep storage.Endpoint, last probe.Result, failedChecks int, at time.Time) string {
	var sb strings.Builder
	sb.WriteString("<b>DOWN</b>\n")
	writeEndpointLines(&sb, ep)
	fmt.Fprintf(&sb, "error: <code>%s</code>\n", util.HTMLEscape(last.Error))
	fmt.Fprintf(&sb, "failed_checks: <code>%d</code>\n", failedChecks)
	fmt.Fprintf(&sb, "time_utc: <code>%s</code>", at.UTC().Format(time.RFC3339))
	return sb.String()
}

func formatRecoveryAlert(ep storage.Endpoint, last probe.Result, downtime time.Duration, at time.Time) string {
	var sb strings.Builder
	sb.WriteString("<b>RECOVERED</b>\n")
	writeEndpointLines(&sb, ep)
	fmt.Fprintf(&sb, "latency: <code>%s</code>\n", util.FormatLatency(last.Latency))
	if downtime > 0 {
		fmt.Fprintf(&sb, "downtime: <code>%s</code>\n", downtime.Round(time.Second))
	}
	fmt.Fprintf(&sb, "time_utc: <code>%s</code>", at.UTC().Format(time.RFC3339))
	return sb.String()
}

func writeEndpointLines(sb *strings.Builder, ep storage.Endpoint) {
	fmt.Fprintf(sb, "name: <code>%s</code>\n", util.HTMLEscape(ep.Name))
	fmt.Fprintf(sb, "endpoint: <code>%s</code> (%s)\n", util.HTMLEscape(ep.Address()), ep.Protocol)
}
