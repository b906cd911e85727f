package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Inspect clients connected to a running server",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected clients and their running submissions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Disconnect a client and cancel everything it has running",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsKill,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsKillCmd)
	sessionsCmd.PersistentFlags().StringVar(&serverFlag, "server", "http://localhost:8005", "Server base URL")
}

// remoteSession mirrors the server's session listing.
type remoteSession struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Submissions []string  `json:"submissions"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func apiURL(base string, elem ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	return u.JoinPath(append([]string{"api"}, elem...)...).String(), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	target, err := apiURL(serverFlag, "sessions")
	if err != nil {
		return err
	}
	resp, err := httpClient.Get(target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing sessions: %s", resp.Status)
	}

	var sessions []remoteSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("decoding sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No clients connected.")
		return nil
	}

	// Header
	fmt.Fprintf(out, "%-38s %-24s %-10s %s\n", "ID", "REMOTE", "CONNECTED", "RUNNING")
	fmt.Fprintln(out, strings.Repeat("─", 85))

	for _, s := range sessions {
		running := "-"
		if len(s.Submissions) > 0 {
			ids := make([]string, len(s.Submissions))
			for i, id := range s.Submissions {
				ids[i] = shortID(id)
			}
			running = strings.Join(ids, ",")
		}
		fmt.Fprintf(out, "%-38s %-24s %-10s %s\n",
			s.ID, truncate(s.Remote, 22), timeAgo(s.ConnectedAt), running)
	}
	return nil
}

func runSessionsKill(cmd *cobra.Command, args []string) error {
	target, err := apiURL(serverFlag, "sessions", args[0])
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		fmt.Fprintf(cmd.OutOrStdout(), "Disconnected session %s\n", shortID(args[0]))
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("session %s not found", args[0])
	default:
		return fmt.Errorf("disconnecting session: %s", resp.Status)
	}
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
