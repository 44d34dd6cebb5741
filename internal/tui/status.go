package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mcontrol/mission-control/internal/api"
)

func healthColor(state api.ConnectionState) lipgloss.Color {
	switch state {
	case api.StateConnected:
		return colorSuccess
	case api.StateDisconnected:
		return colorError
	default:
		return colorWarning
	}
}

func (a App) renderStatusBar() string {
	label := a.health.Label()
	if a.health.State == api.StateConnecting {
		label = T("health_connecting")
	}
	left := stateDotStyle(healthColor(a.health.State)).Render("●") + " " + label
	if a.opts.APIURL != "" {
		left += "  " + helpStyle.Render(a.opts.APIURL)
	}

	var right []string
	if a.opts.Realtime != nil && a.screen() == screenHome {
		if a.live {
			right = append(right, successStyle.Render(T("realtime_live")))
		} else {
			right = append(right, helpStyle.Render(T("realtime_offline")))
		}
	}
	if a.opts.Version != "" {
		right = append(right, T("app_title")+" v"+strings.TrimPrefix(a.opts.Version, "v"))
	}
	rightText := strings.Join(right, " • ")

	width := max(a.width, 1)
	// statusBarStyle has left/right padding(1), so content area is width-2.
	contentWidth := max(width-2, 0)
	if lipgloss.Width(left) > contentWidth {
		left = fitStringWidth(left, contentWidth)
		rightText = ""
	}
	remaining := max(contentWidth-lipgloss.Width(left), 0)
	if lipgloss.Width(rightText) > remaining {
		rightText = fitStringWidth(rightText, remaining)
	}
	gap := max(contentWidth-lipgloss.Width(left)-lipgloss.Width(rightText), 0)
	return statusBarStyle.Width(width).Render(left + strings.Repeat(" ", gap) + rightText)
}

func fitStringWidth(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if lipgloss.Width(text) <= maxWidth {
		return text
	}
	out := ""
	for _, r := range text {
		next := out + string(r)
		if lipgloss.Width(next) > maxWidth {
			break
		}
		out = next
	}
	return out
}
