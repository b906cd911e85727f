package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var serverFlag string

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Start an interactive terminal client",
	Long: `Connect to a running Pulse server and submit programs interactively.

Lines you type are collected into a buffer; /run submits it. Output streams
back as the program produces it.

Examples:
  pulse client
  pulse client --server http://build-box:8005`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVar(&serverFlag, "server", "http://localhost:8005", "Server base URL")
	rootCmd.AddCommand(clientCmd)
}

// clientFrame mirrors the server's WebSocket frames.
type clientFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// wsURL turns an http(s) base URL into the server's WebSocket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// session is the client side of one WebSocket connection.
type session struct {
	conn *websocket.Conn
	d    *display

	wmu sync.Mutex // serializes writes

	mu     sync.Mutex
	buffer strings.Builder
	last   string // id of the most recent accepted submission
}

func (s *session) send(f clientFrame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(f)
}

// readLoop prints frames until the connection closes.
func (s *session) readLoop(done chan<- error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.d.status("bad frame from server: %v", err)
			continue
		}
		s.handleFrame(f)
	}
}

func (s *session) handleFrame(f clientFrame) {
	switch f.Type {
	case "accepted":
		s.mu.Lock()
		s.last = f.ID
		s.mu.Unlock()
		s.d.status("[%s] accepted", shortID(f.ID))
	case "done":
		s.d.status("[%s] %s", shortID(f.ID), f.Content)
	default:
		s.d.event(f.Type, f.Content)
	}
}

// command handles a slash command. It reports whether the client should exit.
func (s *session) command(input string) (bool, error) {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/run", "/r":
		s.mu.Lock()
		src := s.buffer.String()
		s.mu.Unlock()
		if strings.TrimSpace(src) == "" {
			s.d.status("buffer is empty")
			return false, nil
		}
		return false, s.send(clientFrame{Type: "run", Content: src})
	case "/cancel":
		s.mu.Lock()
		id := s.last
		s.mu.Unlock()
		if id == "" {
			s.d.status("nothing to cancel")
			return false, nil
		}
		return false, s.send(clientFrame{Type: "cancel", ID: id})
	case "/load":
		if len(fields) < 2 {
			s.d.status("usage: /load <file>")
			return false, nil
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			s.d.status("%v", err)
			return false, nil
		}
		s.mu.Lock()
		s.buffer.Reset()
		s.buffer.Write(data)
		s.mu.Unlock()
		s.d.status("loaded %d bytes from %s", len(data), fields[1])
	case "/clear":
		s.mu.Lock()
		s.buffer.Reset()
		s.mu.Unlock()
		s.d.status("buffer cleared")
	case "/show":
		s.mu.Lock()
		src := s.buffer.String()
		s.mu.Unlock()
		s.d.status("%s", strings.TrimRight(src, "\n"))
	case "/help":
		s.d.status(`Commands:
  /run          - Submit the buffer
  /load <file>  - Replace the buffer with a file
  /cancel       - Cancel the most recent submission
  /show         - Print the buffer
  /clear        - Empty the buffer
  /quit         - Exit`)
	default:
		s.d.status("Unknown command: %s (try /help)", input)
	}
	return false, nil
}

// appendLine adds a typed line to the buffer.
func (s *session) appendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.WriteString(line)
	s.buffer.WriteByte('\n')
}

func runClient(cmd *cobra.Command, args []string) error {
	target, err := wsURL(serverFlag)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mpulse>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "pulse_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	s := &session{
		conn: conn,
		d:    &display{out: rl.Stdout(), errOut: rl.Stderr(), color: true},
	}
	fmt.Fprintf(rl.Stdout(), "Connected to %s\nType code, then /run. /help lists commands.\n\n", target)

	closed := make(chan error, 1)
	go s.readLoop(closed)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(rl.Stdout(), "Goodbye!")
				return nil
			}
			return err
		}

		select {
		case err := <-closed:
			return fmt.Errorf("connection closed: %w", err)
		default:
		}

		if strings.HasPrefix(strings.TrimSpace(line), "/") {
			quit, err := s.command(strings.TrimSpace(line))
			if err != nil {
				return fmt.Errorf("sending to server: %w", err)
			}
			if quit {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return nil
			}
			continue
		}
		s.appendLine(line)
	}
}
