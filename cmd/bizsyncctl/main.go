package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/matheus3301/bizsync/internal/api"
	"github.com/matheus3301/bizsync/internal/dashboard"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/room"
	"github.com/matheus3301/bizsync/internal/session"
)

var (
	sessionFlag string
	jsonOutput  bool

	selectPartner string
	sendFile      string
	messagesConv  string
)

var rootCmd = &cobra.Command{
	Use:          "bizsyncctl",
	Short:        "Control a running bizsyncd",
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connection state and sync checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var report api.StatusReport
		return run(cmd, "GET", "/status", nil, &report, func(w io.Writer) {
			fmt.Fprintf(w, "Session:   %s\n", report.Session)
			fmt.Fprintf(w, "Identity:  %s\n", report.Identity.Key())
			fmt.Fprintf(w, "State:     %s\n", report.State)
			fmt.Fprintf(w, "Connected: %s\n", formatTime(report.ConnectedAt))
			fmt.Fprintf(w, "Seeded:    %s\n", formatTime(report.SeededAt))
		})
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show counters, appointments and notifications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var view dashboard.View
		return run(cmd, "GET", "/dashboard", nil, &view, func(w io.Writer) {
			printDashboard(w, view)
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []model.ConversationPreview
		return run(cmd, "GET", "/conversations", nil, &list, func(w io.Writer) {
			printConversations(w, list)
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <conversation-id>",
	Short: "Join a conversation room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st room.State
		path := "/conversations/" + url.PathEscape(args[0]) + "/select"
		return run(cmd, "POST", path, api.SelectRequest{PartnerID: selectPartner}, &st, func(w io.Writer) {
			fmt.Fprintf(w, "Joined %s (%d messages)\n", st.Session.ConversationID, len(st.Pane))
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message to the joined conversation",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if text == "" && sendFile == "" {
			return fmt.Errorf("nothing to send")
		}
		var res api.SendResult
		return run(cmd, "POST", "/messages", api.SendRequest{Text: text, FileRef: sendFile}, &res, func(w io.Writer) {
			fmt.Fprintf(w, "Queued %s\n", res.LocalID)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <local-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res api.SendResult
		path := "/messages/" + url.PathEscape(args[0]) + "/retry"
		return run(cmd, "POST", path, nil, &res, func(w io.Writer) {
			fmt.Fprintf(w, "Queued %s\n", res.LocalID)
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show the joined conversation, or the outgoing journal of one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if messagesConv != "" {
			var list []model.OutgoingMessage
			path := "/messages?conversation=" + url.QueryEscape(messagesConv)
			return run(cmd, "GET", path, nil, &list, func(w io.Writer) {
				printOutgoing(w, list)
			})
		}
		var st room.State
		return run(cmd, "GET", "/messages", nil, &st, func(w io.Writer) {
			printPane(w, st)
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read [notification-key]",
	Short: "Mark the joined conversation read, or one notification",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var feed []model.Notification
			path := "/notifications/" + url.PathEscape(args[0]) + "/read"
			return run(cmd, "POST", path, nil, &feed, func(w io.Writer) {
				fmt.Fprintf(w, "Marked %s read\n", args[0])
			})
		}
		var unread model.Unread
		return run(cmd, "POST", "/conversations/read", nil, &unread, func(w io.Writer) {
			fmt.Fprintf(w, "Unread messages: %d\n", unread.Count)
		})
	},
}

// run performs one API call and prints either the raw data or the
// human-readable rendering.
func run(cmd *cobra.Command, method, path string, body, out any, human func(io.Writer)) error {
	name, err := session.ResolveValid(sessionFlag)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	raw, err := newClient(session.SocketPath(name)).do(ctx, method, path, body, out)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if jsonOutput {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			_, err = w.Write(raw)
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}
	human(w)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func printDashboard(w io.Writer, v dashboard.View) {
	fmt.Fprintf(w, "Views: %d  Reviews: %d  Messages: %d  Appointments: %d  Unread: %d\n",
		v.Stats.Views, v.Stats.Reviews, v.Stats.Messages, v.AppointmentsCount, v.Unread.Count)
	for k, n := range v.Stats.Extra {
		fmt.Fprintf(w, "  %s: %d\n", k, n)
	}
	if len(v.Stats.Appointments) > 0 {
		fmt.Fprintln(w, "\nAppointments:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, a := range v.Stats.Appointments {
			fmt.Fprintf(tw, "  %s\t%s %s\t%s\n", a.ID, a.Date, a.Time, a.Status)
		}
		_ = tw.Flush()
	}
	if len(v.Notifications) > 0 {
		fmt.Fprintln(w, "\nNotifications:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, n := range v.Notifications {
			mark := " "
			if n.UnreadCount > 0 {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s %s\t%s\t%s\n", mark, n.Key(), formatMillis(n.Timestamp), n.Text)
		}
		_ = tw.Flush()
	}
}

func printConversations(w io.Writer, list []model.ConversationPreview) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARTNER\tUNREAD\tLAST\tMESSAGE")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.ConversationID, c.PartnerID, c.UnreadCount, formatMillis(c.LastMessageAt), c.LastMessage)
	}
	_ = tw.Flush()
}

func printPane(w io.Writer, st room.State) {
	fmt.Fprintf(w, "Conversation %s (joined: %v)\n", st.Session.ConversationID, st.Session.Joined)
	for _, e := range st.Pane {
		who := e.SenderID
		if e.Outgoing {
			who = "me"
		}
		line := fmt.Sprintf("[%s] %s: %s", formatMillis(e.Timestamp), who, e.Text)
		if e.Outgoing && e.State != model.SendDelivered {
			line += fmt.Sprintf("  (%s %s)", e.State, e.LocalID)
		}
		fmt.Fprintln(w, line)
	}
}

func printOutgoing(w io.Writer, list []model.OutgoingMessage) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tSTATE\tCREATED\tTEXT\tERROR")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.LocalID, m.State, formatMillis(m.CreatedAt), m.Text, m.Error)
	}
	_ = tw.Flush()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output raw JSON")

	selectCmd.Flags().StringVar(&selectPartner, "partner", "", "partner id of the conversation")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "file reference to attach")
	messagesCmd.Flags().StringVar(&messagesConv, "conversation", "", "show the outgoing journal of this conversation")

	rootCmd.AddCommand(statusCmd, dashboardCmd, conversationsCmd, selectCmd, sendCmd, retryCmd, messagesCmd, readCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
