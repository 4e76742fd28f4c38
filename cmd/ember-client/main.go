// Command ember-client connects to an ember-serverd instance and presents a
// minimal live session view: connection state and a scrolling log of
// received messages and disconnects.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/emberproto/ember/rudp"
	"github.com/emberproto/ember/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ember-client <host:port>",
		Short: "Connect to an ember session server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 8*time.Second, "handshake timeout")
	return cmd
}

func run(target string, timeout time.Duration) error {
	remote, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return err
	}
	sock, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return err
	}

	model := newModel(target)

	conn, err := rudp.Connect(sock, remote, []byte("ember-client"), timeout, rudp.DefaultTunables(), rudp.RealClock)
	if err != nil {
		return err
	}

	program := tea.NewProgram(model)

	conn.OnDataReceived = func(data []byte, opt wire.SendOption) {
		program.Send(messageReceived{text: string(data), reliable: opt == wire.Reliable})
	}
	conn.OnDisconnected = func(payload []byte, reason rudp.DisconnectReason) {
		program.Send(disconnected{reason: reason})
	}

	defer conn.Close()

	_, err = program.Run()
	return err
}

type messageReceived struct {
	text     string
	reliable bool
}

type disconnected struct {
	reason rudp.DisconnectReason
}

type model struct {
	target    string
	log       []string
	connected bool
	done      bool
}

func newModel(target string) model {
	return model{target: target, connected: true}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.done = true
			return m, tea.Quit
		}
	case messageReceived:
		kind := "unreliable"
		if msg.reliable {
			kind = "reliable"
		}
		m.log = append(m.log, fmt.Sprintf("[%s] %s", kind, msg.text))
	case disconnected:
		m.connected = false
		m.log = append(m.log, fmt.Sprintf("disconnected (graceful=%v)", msg.reason.Graceful))
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("120"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m model) View() string {
	status := "connected"
	style := statusStyle
	if !m.connected {
		status = "disconnected"
		style = dimStyle
	}

	view := titleStyle.Render("ember session: "+m.target) + "\n"
	view += style.Render("status: "+status) + "\n\n"
	for _, line := range m.log {
		view += line + "\n"
	}
	view += dimStyle.Render("\n(q to quit)")
	return view
}
