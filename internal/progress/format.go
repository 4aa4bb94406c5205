package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/sheerbytes/mixrelay/internal/client"
)

// Summary is the one-line description of v used by both renderers.
func Summary(v JobView) string {
	switch v.State {
	case client.StateIdle:
		return fmt.Sprintf("connected to %s", v.Addr)
	case client.StateSendingPairs:
		return fmt.Sprintf("pair %d/%d %s %s  %s", v.Pair, v.Pairs, v.Role, v.File, transferLine(v.Transfer))
	case client.StateJobClosed:
		return "job closed, waiting for server"
	case client.StatePolling:
		if v.Polls == 0 {
			return "waiting for server"
		}
		return fmt.Sprintf("waiting for server (poll %d, %s): %s", v.Polls, formatElapsed(v.Since), v.LastAnswer)
	case client.StateResultReady:
		return fmt.Sprintf("receiving result  %s", transferLine(v.Transfer))
	case client.StateDone:
		return fmt.Sprintf("done: %d pair(s), %s sent", v.Pairs, formatBytes(v.BytesSent))
	case client.StateFailed:
		return "failed"
	default:
		return v.State.String()
	}
}

// transferLine describes one file. The result size is unknown up front, so
// no bar is drawn for it until a total exists.
func transferLine(st Stats) string {
	if st.Total <= 0 {
		return fmt.Sprintf("%s  %s", formatBytes(st.Done), formatRate(st.RateBps))
	}
	return fmt.Sprintf("%s %5.1f%%  %s  ETA %s", renderBar(st.Percent, 20), st.Percent, formatRate(st.RateBps), formatETA(st.ETA))
}

// FilesLine reports how many job files were sent.
func FilesLine(v JobView) string {
	if v.FilesTotal <= 0 {
		return "files: -"
	}
	return fmt.Sprintf("files: %d/%d (%s)", v.FilesDone, v.FilesTotal, formatBytes(v.BytesSent))
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	return formatBytes(int64(bps)) + "/s"
}

func formatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GB", float64(n)/g)
	case n >= m:
		return fmt.Sprintf("%.1f MB", float64(n)/m)
	case n >= k:
		return fmt.Sprintf("%.0f KB", float64(n)/k)
	case n < 0:
		return "0 B"
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	return clock(d)
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return "00:00:00"
	}
	return clock(d)
}

func clock(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
