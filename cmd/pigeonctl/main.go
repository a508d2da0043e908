package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/pigeonai/pigeon/internal/api"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/lock"
	"github.com/pigeonai/pigeon/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	c, err := api.NewClient(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		resp, err := c.Status(ctx)
		if err != nil {
			daemonDown(sessionName, err)
		}
		out.status(resp)
	case "conversations":
		resp, err := c.Conversations(ctx)
		check(err)
		out.conversations(resp)
	case "open":
		need(args, 2, "open <conversation-id>")
		resp, err := c.Open(ctx, args[1])
		check(err)
		out.messages(resp)
	case "messages":
		resp, err := c.Messages(ctx)
		check(err)
		out.messages(resp)
	case "send":
		need(args, 2, "send <text> | send --image <url> [caption]")
		req := &api.SendRequest{Content: strings.Join(args[1:], " ")}
		if args[1] == "--image" {
			need(args, 3, "send --image <url> [caption]")
			req = &api.SendRequest{Type: chat.Image, ImageURL: args[2], Content: strings.Join(args[3:], " ")}
		}
		resp, err := c.Send(ctx, req)
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		fmt.Printf("Queued %s (%s)\n", resp.Message.ID, resp.Message.Status)
	case "read":
		need(args, 2, "read <message-id>")
		check(c.MarkRead(ctx, args[1]))
	case "refresh":
		resp, err := c.Refresh(ctx)
		check(err)
		out.messages(resp)
	case "close":
		check(c.CloseConversation(ctx))
	case "pending":
		resp, err := c.Pending(ctx)
		check(err)
		out.pending(resp)
	case "drain":
		resp, err := c.Drain(ctx)
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		s := resp.Stats
		fmt.Printf("sent=%d failed=%d dropped=%d skipped=%d halted=%v\n", s.Sent, s.Failed, s.Dropped, s.Skipped, s.Halted)
	case "net":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl net <on|off>")
			os.Exit(1)
		}
		check(c.SetNetwork(ctx, args[1] == "on"))
	case "search":
		need(args, 2, "search <query>")
		resp, err := c.Search(ctx, &api.SearchRequest{Query: strings.Join(args[1:], " ")})
		check(err)
		out.search(resp)
	case "signout":
		check(c.SignOut(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pigeonctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  sessions           List local sessions and their daemons")
	fmt.Fprintln(os.Stderr, "  status             Show session status")
	fmt.Fprintln(os.Stderr, "  conversations      List cached conversations")
	fmt.Fprintln(os.Stderr, "  open <id>          Open a conversation")
	fmt.Fprintln(os.Stderr, "  messages           Show the open conversation")
	fmt.Fprintln(os.Stderr, "  send <text>        Send a text message")
	fmt.Fprintln(os.Stderr, "  send --image <url> Send an image message")
	fmt.Fprintln(os.Stderr, "  read <message-id>  Mark a message as read")
	fmt.Fprintln(os.Stderr, "  refresh            Pull the open conversation")
	fmt.Fprintln(os.Stderr, "  close              Close the open conversation")
	fmt.Fprintln(os.Stderr, "  pending            List queued sends")
	fmt.Fprintln(os.Stderr, "  drain              Replay queued sends now")
	fmt.Fprintln(os.Stderr, "  net <on|off>       Toggle the manual connectivity source")
	fmt.Fprintln(os.Stderr, "  search <query>     Search cached messages")
	fmt.Fprintln(os.Stderr, "  watch [prefix]     Stream engine events")
	fmt.Fprintln(os.Stderr, "  signout            Close subscriptions and clear cached profiles")
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan *api.Event, 16)
	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		defer close(events)
		return c.Watch(ctx, prefix, func(e *api.Event) error {
			select {
			case events <- e:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})
	g.Go(func() error {
		for e := range events {
			if jsonOut {
				outputJSON(e)
				continue
			}
			ts := time.UnixMilli(e.OccurredAt).Format("15:04:05.000")
			fmt.Printf("%s %-24s %s\n", ts, e.Kind, e.Payload)
		}
		return nil
	})
	// Interrupts end the stream with a cancellation error.
	if err := g.Wait(); err != nil && sigCtx.Err() == nil {
		fatal(err)
	}
}

type sessionInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Since   string `json:"since,omitempty"`
}

func cmdSessions(jsonOut bool) {
	names, err := session.List()
	check(err)
	infos := make([]sessionInfo, 0, len(names))
	for _, name := range names {
		info := sessionInfo{Name: name}
		holder, held, err := lock.Inspect(session.Dir(name))
		check(err)
		if held {
			info.Running, info.PID, info.Since = true, holder.PID, holder.Since.Format(time.RFC3339)
		}
		infos = append(infos, info)
	}
	if jsonOut {
		outputJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("No sessions.")
		return
	}
	for _, info := range infos {
		state := "stopped"
		if info.Running {
			state = fmt.Sprintf("running (pid %d since %s)", info.PID, info.Since)
		}
		fmt.Printf("%-20s %s\n", info.Name, state)
	}
}

// daemonDown reports whether a daemon holds the session even though its
// socket did not answer.
func daemonDown(sessionName string, cause error) {
	holder, held, err := lock.Inspect(session.Dir(sessionName))
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", cause)
	case held:
		fmt.Fprintf(os.Stderr, "error: daemon pid %d holds session %q since %s but is not answering: %v\n",
			holder.PID, sessionName, holder.Since.Format(time.RFC3339), cause)
	default:
		fmt.Fprintf(os.Stderr, "error: no daemon running for session %q (start pigeond --session %s)\n", sessionName, sessionName)
	}
	os.Exit(1)
}

type printer struct {
	json bool
}

func (p printer) status(resp *api.StatusResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	online := "offline"
	if resp.Online {
		online = "online"
	}
	fmt.Printf("Session:      %s (%s)\n", resp.Session, resp.UserID)
	fmt.Printf("Network:      %s\n", online)
	if resp.Conversation != "" {
		fmt.Printf("Conversation: %s (%d cached)\n", resp.Conversation, resp.CachedMessages)
	}
	fmt.Printf("Pending:      %d\n", resp.Pending)
	if resp.Breaker != "" {
		fmt.Printf("Breaker:      %s\n", resp.Breaker)
	}
	fmt.Printf("Uptime:       %dms\n", resp.UptimeMs)
}

func (p printer) conversations(resp *api.ConversationsResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range resp.Conversations {
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf(" [%d]", c.Unread)
		}
		fmt.Printf("%-20s %-24s%s %s\n", c.ID, c.Title, unread, c.LastMessage)
	}
}

func (p printer) messages(resp *api.MessagesResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04")
		body := m.Content
		if m.Type == chat.Image {
			body = strings.TrimSpace("[image " + m.ImageURL + "] " + m.Content)
		}
		fmt.Printf("%s %-16s %-9s %s\n", ts, m.SenderName, m.Status, body)
	}
}

func (p printer) pending(resp *api.PendingResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	if len(resp.Pending) == 0 {
		fmt.Println("Outbox empty.")
		return
	}
	for _, s := range resp.Pending {
		fmt.Printf("%s %-16s retries=%d %s\n", s.OpID, s.ConversationID, s.RetryCount, s.Content)
	}
}

func (p printer) search(resp *api.SearchResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, r := range resp.Results {
		fmt.Printf("%-16s %-12s %s\n", r.Message.ConversationID, r.Message.SenderID, r.Snippet)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: pigeonctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
