package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mcontrol/mission-control/sdk/auth"
)

const (
	focusGoogle = iota
	focusEmail
)

type signInURLMsg string
type signInStateMsg string
type signInDoneMsg struct{ err error }
type copiedMsg struct{ err error }

type loginModel struct {
	session   Session
	dev       auth.Authenticator
	events    chan<- tea.Msg
	noBrowser bool

	focus   int
	email   textinput.Model
	spinner spinner.Model

	busy      bool
	authURL   string
	flowState string
	notice    string
	err       string
	cancel    context.CancelFunc
}

func newLoginModel(session Session, dev auth.Authenticator, events chan<- tea.Msg, noBrowser bool, devEmail string) loginModel {
	ti := textinput.New()
	ti.Placeholder = "you@example.com"
	ti.CharLimit = 254
	ti.SetValue(strings.TrimSpace(devEmail))

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)

	m := loginModel{
		session:   session,
		dev:       dev,
		events:    events,
		noBrowser: noBrowser,
		email:     ti,
		spinner:   sp,
	}
	m.relabel()
	return m
}

func (m loginModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *loginModel) SetWidth(w int) {
	m.email.Width = max(w-24, 10)
}

func (m *loginModel) relabel() {
	m.email.Prompt = T("login_dev_prompt")
}

// typing reports whether keys go to the email field.
func (m loginModel) typing() bool {
	return m.focus == focusEmail && !m.busy
}

// abort cancels an in-flight sign-in.
func (m *loginModel) abort() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m loginModel) Update(msg tea.Msg) (loginModel, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case signInURLMsg:
		if m.busy {
			m.authURL = string(msg)
		}
		return m, nil

	case signInStateMsg:
		if m.busy {
			m.flowState = string(msg)
		}
		return m, nil

	case signInDoneMsg:
		m.abort()
		m.busy = false
		m.cancel = nil
		m.authURL = ""
		m.flowState = ""
		m.err, m.notice = signInMessage(msg.err)
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.notice = ""
			m.err = T("login_copy_failed") + ": " + msg.err.Error()
		} else {
			m.notice = T("login_copied")
		}
		return m, nil

	case tea.KeyMsg:
		if m.busy {
			switch msg.String() {
			case "esc":
				m.abort()
			case "c":
				if m.authURL != "" {
					return m, copyToClipboard(m.authURL)
				}
			}
			return m, nil
		}
		switch msg.String() {
		case "tab", "shift+tab", "up", "down":
			if m.dev == nil {
				return m, nil
			}
			if m.focus == focusGoogle {
				m.focus = focusEmail
				cmd := m.email.Focus()
				return m, cmd
			}
			m.focus = focusGoogle
			m.email.Blur()
			return m, nil
		case "enter":
			if m.focus == focusEmail {
				email := strings.TrimSpace(m.email.Value())
				if email == "" {
					m.err = T("login_email_needed")
					return m, nil
				}
				return m.begin(m.dev, email)
			}
			return m.begin(nil, "")
		}
		if m.focus == focusEmail {
			var cmd tea.Cmd
			m.email, cmd = m.email.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

// begin starts a sign-in. A nil authenticator uses the session's configured one.
func (m loginModel) begin(authenticator auth.Authenticator, email string) (loginModel, tea.Cmd) {
	ctx, cancel := context.WithCancel(context.Background())
	m.busy = true
	m.cancel = cancel
	m.err = ""
	m.notice = ""
	m.authURL = ""
	m.flowState = ""

	session := m.session
	events := m.events
	opts := &auth.SignInOptions{
		LoginHint: email,
		NoBrowser: m.noBrowser,
		OnURL:     func(u string) { post(events, signInURLMsg(u)) },
		OnState:   func(s string) { post(events, signInStateMsg(s)) },
	}
	return m, func() tea.Msg {
		var err error
		if authenticator != nil {
			err = session.SignInWith(ctx, authenticator, opts)
		} else {
			err = session.SignIn(ctx, opts)
		}
		return signInDoneMsg{err: err}
	}
}

func post(events chan<- tea.Msg, msg tea.Msg) {
	select {
	case events <- msg:
	default:
	}
}

func copyToClipboard(text string) tea.Cmd {
	return func() tea.Msg {
		return copiedMsg{err: clipboard.WriteAll(text)}
	}
}

// signInMessage maps a sign-in result to an error line and a notice line.
func signInMessage(err error) (string, string) {
	switch {
	case err == nil, errors.Is(err, auth.ErrSignInSuperseded):
		return "", ""
	case errors.Is(err, context.Canceled):
		return "", T("login_cancelled")
	}
	var signInErr *auth.SignInError
	if errors.As(err, &signInErr) {
		return signInErr.UserMessage(), ""
	}
	return err.Error(), ""
}

func (m loginModel) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(T("login_title")))
	sb.WriteString("\n")
	sb.WriteString(subtitleStyle.Render(T("tagline")))
	sb.WriteString("\n\n")

	google := buttonStyle
	if m.focus == focusGoogle {
		google = buttonFocusedStyle
	}
	sb.WriteString(google.Render(T("login_google")))
	sb.WriteString("\n")

	if m.dev != nil {
		sb.WriteString("\n")
		sb.WriteString(helpStyle.Render(T("login_dev")))
		sb.WriteString("\n")
		sb.WriteString(m.email.View())
		sb.WriteString("\n")
	}

	if m.busy {
		sb.WriteString("\n")
		status := T("login_waiting")
		if m.flowState == "exchanging" {
			status = T("login_exchanging")
		}
		sb.WriteString(m.spinner.View() + " " + warningStyle.Render(status))
		sb.WriteString("\n")
		if m.authURL != "" {
			sb.WriteString(helpStyle.Render(T("login_open_url")))
			sb.WriteString("\n")
			sb.WriteString(valueStyle.Render(m.authURL))
			sb.WriteString("\n")
			sb.WriteString(helpStyle.Render(T("login_copy_hint")))
			sb.WriteString("\n")
		}
	}
	if m.err != "" {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render("✗ " + m.err))
		sb.WriteString("\n")
	}
	if m.notice != "" {
		sb.WriteString("\n")
		sb.WriteString(successStyle.Render("✓ " + m.notice))
		sb.WriteString("\n")
	}
	if !m.busy {
		sb.WriteString("\n")
		sb.WriteString(helpStyle.Render(T("login_help")))
	}
	return sb.String()
}
