package tui

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mcontrol/mission-control/internal/api"
	"github.com/mcontrol/mission-control/sdk/auth"
)

// Session is the part of the session manager the shell drives.
type Session interface {
	State() auth.State
	Subscribe() (<-chan auth.State, func())
	SignIn(ctx context.Context, opts *auth.SignInOptions) error
	SignInWith(ctx context.Context, authenticator auth.Authenticator, opts *auth.SignInOptions) error
	SignOut()
}

// KeyService lists and removes stored credentials.
type KeyService interface {
	ListKeys(ctx context.Context) ([]api.Key, error)
	DeleteKey(ctx context.Context, id string) error
}

// Presence reports whether the realtime link is up.
type Presence interface {
	Connected() bool
}

// Options wires the shell to the rest of the client. Session is required.
type Options struct {
	Session  Session
	Keys     KeyService
	Health   *api.HealthMonitor
	Realtime Presence
	// Dev enables the development email sign-in when set.
	Dev       auth.Authenticator
	DevEmail  string
	Hook      *LogHook
	APIURL    string
	Version   string
	NoBrowser bool
}

type screen int

const (
	screenLoading screen = iota
	screenLogin
	screenHome
)

const (
	eventBuffer  = 16
	presenceTick = time.Second
)

type stateMsg auth.State
type healthMsg api.ConnectionStatus
type presenceTickMsg struct{}
type activityMsg LogLine

// App is the root bubbletea model. The visible screen follows the session
// state: loading until the stored session is restored, then login or home.
type App struct {
	opts        Options
	state       auth.State
	states      <-chan auth.State
	unsubscribe func()
	events      chan tea.Msg

	login loginModel
	home  homeModel

	health api.ConnectionStatus
	live   bool

	width  int
	height int
	ready  bool
}

// NewApp creates the root model and subscribes to session changes.
func NewApp(opts Options) App {
	states, unsubscribe := opts.Session.Subscribe()
	events := make(chan tea.Msg, eventBuffer)
	return App{
		opts:        opts,
		state:       opts.Session.State(),
		states:      states,
		unsubscribe: unsubscribe,
		events:      events,
		login:       newLoginModel(opts.Session, opts.Dev, events, opts.NoBrowser, opts.DevEmail),
		home:        newHomeModel(opts.Session, opts.Keys),
		health:      api.ConnectionStatus{State: api.StateConnecting},
	}
}

func (a App) screen() screen {
	switch {
	case a.state.IsLoading:
		return screenLoading
	case !a.state.IsAuthenticated:
		return screenLogin
	default:
		return screenHome
	}
}

func (a App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.waitForState, a.waitForEvent, a.login.Init(), tickPresence()}
	if a.opts.Health != nil {
		cmds = append(cmds, a.waitForHealth)
	}
	if a.opts.Hook != nil {
		cmds = append(cmds, a.waitForLog)
	}
	if a.screen() == screenHome {
		cmds = append(cmds, a.home.keys.fetch)
	}
	return tea.Batch(cmds...)
}

func (a App) waitForState() tea.Msg {
	st, ok := <-a.states
	if !ok {
		return nil
	}
	return stateMsg(st)
}

func (a App) waitForEvent() tea.Msg {
	return <-a.events
}

func (a App) waitForHealth() tea.Msg {
	return healthMsg(<-a.opts.Health.Updates())
}

func (a App) waitForLog() tea.Msg {
	line, ok := <-a.opts.Hook.Chan()
	if !ok {
		return nil
	}
	return activityMsg(line)
}

func tickPresence() tea.Cmd {
	return tea.Tick(presenceTick, func(time.Time) tea.Msg { return presenceTickMsg{} })
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		a.login.SetWidth(msg.Width)
		return a, nil

	case stateMsg:
		previous := a.screen()
		a.state = auth.State(msg)
		next := a.screen()
		cmds := []tea.Cmd{a.waitForState}
		if next == screenHome && previous != screenHome {
			a.home = a.home.reset()
			cmds = append(cmds, a.home.keys.fetch)
		}
		if next == screenLogin && previous == screenHome {
			a.home = a.home.reset()
		}
		return a, tea.Batch(cmds...)

	case healthMsg:
		a.health = api.ConnectionStatus(msg)
		return a, a.waitForHealth

	case presenceTickMsg:
		a.live = a.opts.Realtime != nil && a.opts.Realtime.Connected()
		return a, tickPresence()

	case activityMsg:
		a.home = a.home.appendActivity(LogLine(msg))
		return a, a.waitForLog

	case signInURLMsg, signInStateMsg:
		var cmd tea.Cmd
		a.login, cmd = a.login.Update(msg)
		return a, tea.Batch(cmd, a.waitForEvent)

	case signInDoneMsg, copiedMsg:
		var cmd tea.Cmd
		a.login, cmd = a.login.Update(msg)
		return a, cmd

	case keysMsg, keyDeletedMsg:
		var cmd tea.Cmd
		a.home, cmd = a.home.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.login.abort()
			return a, tea.Quit
		case "q":
			if !a.capturesText() {
				a.login.abort()
				return a, tea.Quit
			}
		case "L":
			if !a.capturesText() {
				ToggleLocale()
				a.login.relabel()
				return a, nil
			}
		}
	}

	var cmd tea.Cmd
	switch a.screen() {
	case screenLogin:
		a.login, cmd = a.login.Update(msg)
	case screenHome:
		a.home, cmd = a.home.Update(msg)
	default:
		// the loading screen only animates
		if _, ok := msg.(tea.KeyMsg); !ok {
			a.login, cmd = a.login.Update(msg)
		}
	}
	return a, cmd
}

// capturesText reports whether key presses belong to a text field or a prompt.
func (a App) capturesText() bool {
	switch a.screen() {
	case screenLogin:
		return a.login.typing()
	case screenHome:
		return a.home.prompting()
	}
	return false
}

func (a App) View() string {
	if !a.ready {
		return T("loading")
	}
	var sb strings.Builder
	sb.WriteString(a.renderHeader())
	sb.WriteString("\n\n")

	var body string
	switch a.screen() {
	case screenLoading:
		body = a.login.spinner.View() + " " + T("loading")
	case screenLogin:
		body = a.login.View()
	default:
		body = a.home.View(a.state.User)
	}
	sb.WriteString(body)

	used := lipgloss.Height(sb.String())
	if gap := a.height - used - 1; gap > 0 {
		sb.WriteString(strings.Repeat("\n", gap))
	}
	sb.WriteString("\n")
	sb.WriteString(a.renderStatusBar())
	return sb.String()
}

func (a App) renderHeader() string {
	left := T("app_title")
	right := ""
	if a.screen() == screenHome && a.state.User != nil {
		right = avatarStyle.Render(Initials(*a.state.User)) + " " + a.state.User.Label()
	}
	width := max(a.width, 1)
	contentWidth := max(width-2, 0)
	gap := max(contentWidth-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return headerStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

// Run starts the shell and blocks until the user quits. output defaults to
// os.Stdout.
func Run(opts Options, output io.Writer) error {
	if output == nil {
		output = os.Stdout
	}
	app := NewApp(opts)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithOutput(output))
	final, err := p.Run()
	if last, ok := final.(App); ok {
		last.login.abort()
	}
	app.unsubscribe()
	return err
}
