package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mcontrol/mission-control/internal/api"
)

const keysTimeout = 15 * time.Second

type keysMsg struct {
	keys []api.Key
	err  error
}

type keyDeletedMsg struct {
	name string
	err  error
}

// keysModel lists the signed-in user's credentials.
type keysModel struct {
	service KeyService
	items   []api.Key
	loaded  bool
	err     error
	cursor  int
	confirm bool
	status  string
}

func newKeysModel(service KeyService) keysModel {
	return keysModel{service: service}
}

func (m keysModel) fetch() tea.Msg {
	if m.service == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), keysTimeout)
	defer cancel()
	keys, err := m.service.ListKeys(ctx)
	return keysMsg{keys: keys, err: err}
}

func (m keysModel) remove(key api.Key) tea.Cmd {
	service := m.service
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), keysTimeout)
		defer cancel()
		return keyDeletedMsg{name: key.Name, err: service.DeleteKey(ctx, key.ID)}
	}
}

func (m keysModel) Update(msg tea.Msg) (keysModel, tea.Cmd) {
	switch msg := msg.(type) {
	case keysMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.items = msg.keys
			if m.cursor >= len(m.items) {
				m.cursor = max(0, len(m.items)-1)
			}
		}
		return m, nil

	case keyDeletedMsg:
		if msg.err != nil {
			m.status = errorStyle.Render("✗ " + msg.err.Error())
		} else {
			m.status = successStyle.Render("✓ " + fmt.Sprintf(T("keys_deleted"), msg.name))
		}
		return m, m.fetch

	case tea.KeyMsg:
		if m.service == nil {
			return m, nil
		}
		if m.confirm {
			switch msg.String() {
			case "y", "Y":
				m.confirm = false
				if m.cursor < len(m.items) {
					return m, m.remove(m.items[m.cursor])
				}
			case "n", "N", "esc":
				m.confirm = false
			}
			return m, nil
		}
		switch msg.String() {
		case "j", "down":
			if len(m.items) > 0 {
				m.cursor = (m.cursor + 1) % len(m.items)
			}
		case "k", "up":
			if len(m.items) > 0 {
				m.cursor = (m.cursor - 1 + len(m.items)) % len(m.items)
			}
		case "d":
			if m.cursor < len(m.items) {
				m.confirm = true
			}
		case "r":
			m.status = ""
			return m, m.fetch
		}
	}
	return m, nil
}

func (m keysModel) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(T("keys_title")))
	sb.WriteString("\n")
	switch {
	case m.service == nil:
		sb.WriteString(helpStyle.Render(T("keys_unavailable")))
	case !m.loaded:
		sb.WriteString(helpStyle.Render(T("keys_loading")))
	case m.err != nil:
		sb.WriteString(errorStyle.Render(fmt.Sprintf(T("keys_error"), m.err.Error())))
	case len(m.items) == 0:
		sb.WriteString(helpStyle.Render(T("keys_empty")))
	default:
		for i, key := range m.items {
			line := fmt.Sprintf("%-12s %-24s %s", key.Provider, key.Name, key.KeyHint)
			if i == m.cursor {
				sb.WriteString(selectedStyle.Render("▸ " + line))
			} else {
				sb.WriteString(valueStyle.Render("  " + line))
			}
			sb.WriteString("\n")
		}
	}
	if m.confirm && m.cursor < len(m.items) {
		sb.WriteString("\n")
		sb.WriteString(warningStyle.Render(fmt.Sprintf(T("keys_confirm"), m.items[m.cursor].Name)))
	}
	if m.status != "" {
		sb.WriteString("\n")
		sb.WriteString(m.status)
	}
	return sb.String()
}
