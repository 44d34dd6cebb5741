package tui

import (
	"fmt"
	"strings"
	"unicode"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mcontrol/mission-control/sdk/auth"
)

const maxActivityLines = 200

type homeModel struct {
	session      Session
	keys         keysModel
	menuOpen     bool
	showActivity bool
	activity     []LogLine
}

func newHomeModel(session Session, keys KeyService) homeModel {
	return homeModel{session: session, keys: newKeysModel(keys)}
}

// reset drops per-user state but keeps captured activity.
func (m homeModel) reset() homeModel {
	next := newHomeModel(m.session, m.keys.service)
	next.activity = m.activity
	return next
}

func (m homeModel) appendActivity(line LogLine) homeModel {
	m.activity = append(m.activity, line)
	if len(m.activity) > maxActivityLines {
		m.activity = m.activity[len(m.activity)-maxActivityLines:]
	}
	return m
}

func (m homeModel) prompting() bool {
	return m.keys.confirm
}

func (m homeModel) signOut() tea.Cmd {
	session := m.session
	return func() tea.Msg {
		session.SignOut()
		return nil
	}
}

func (m homeModel) Update(msg tea.Msg) (homeModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		if m.menuOpen {
			switch key.String() {
			case "enter", "s":
				m.menuOpen = false
				return m, m.signOut()
			case "esc", "u":
				m.menuOpen = false
			}
			return m, nil
		}
		if !m.keys.confirm {
			switch key.String() {
			case "u":
				m.menuOpen = true
				return m, nil
			case "tab":
				m.showActivity = !m.showActivity
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.keys, cmd = m.keys.Update(msg)
	return m, cmd
}

func (m homeModel) View(user *auth.Identity) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(T("welcome")))
	sb.WriteString("\n")
	if user != nil {
		sb.WriteString(subtitleStyle.Render(fmt.Sprintf(T("signed_in"), user.Email)))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	switch {
	case m.menuOpen && user != nil:
		sb.WriteString(renderUserMenu(*user))
		sb.WriteString("\n")
		sb.WriteString(helpStyle.Render(T("menu_help")))
		return sb.String()
	case m.showActivity:
		sb.WriteString(sectionStyle.Render(m.renderActivity()))
	default:
		sb.WriteString(sectionStyle.Render(m.keys.View()))
	}
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render(T("home_help")))
	return sb.String()
}

func renderUserMenu(user auth.Identity) string {
	var sb strings.Builder
	sb.WriteString(avatarStyle.Render(Initials(user)))
	sb.WriteString(" ")
	sb.WriteString(titleStyle.UnsetMarginBottom().Render(T("menu_title")))
	sb.WriteString("\n\n")
	if name := strings.TrimSpace(user.DisplayName); name != "" {
		sb.WriteString(valueStyle.Bold(true).Render(name))
		sb.WriteString("\n")
	}
	sb.WriteString(helpStyle.Render(user.Email))
	sb.WriteString("\n\n")
	sb.WriteString(buttonFocusedStyle.Render(T("menu_sign_out")))
	return sectionStyle.Render(sb.String())
}

func (m homeModel) renderActivity() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(T("activity_title")))
	sb.WriteString("\n")
	if len(m.activity) == 0 {
		sb.WriteString(helpStyle.Render(T("activity_empty")))
		return sb.String()
	}
	start := max(len(m.activity)-10, 0)
	for _, line := range m.activity[start:] {
		text := line.Message
		if line.Component != "" {
			text = "[" + line.Component + "] " + text
		}
		sb.WriteString(logLevelStyle(line.Level).Render(text))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Initials returns up to two upper-case letters for the user badge, taken
// from the words of the display name or, without one, from the email split
// at "@".
func Initials(user auth.Identity) string {
	source := strings.TrimSpace(user.DisplayName)
	if source == "" {
		source = strings.TrimSpace(user.Email)
	}
	parts := strings.FieldsFunc(source, func(r rune) bool {
		return unicode.IsSpace(r) || r == '@'
	})
	var out []rune
	for _, part := range parts {
		if len(out) == 2 {
			break
		}
		first := []rune(part)[0]
		out = append(out, unicode.ToUpper(first))
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}
