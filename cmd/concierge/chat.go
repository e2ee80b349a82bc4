package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/hawkins-trichology/concierge/internal/chatclient"
)

func chatCmd() *cobra.Command {
	var (
		server    string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running server from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := &terminalView{out: cmd.OutOrStdout()}
			client, err := chatclient.New(chatclient.Config{
				BaseURL:   server,
				SessionID: sessionID,
				OnUpdate:  out.update,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(out.out, "Type a message and press enter. /new starts over, Ctrl-D quits.")
			lines := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out.out, "> ")
				if !lines.Scan() {
					fmt.Fprintln(out.out)
					return lines.Err()
				}
				text := strings.TrimSpace(lines.Text())
				switch text {
				case "":
					continue
				case "/new":
					client.Reset()
					fmt.Fprintln(out.out, "Started a new conversation.")
					continue
				}

				out.begin()
				err := client.Send(ctx, text)
				switch {
				case err == nil:
					fmt.Fprintln(out.out)
				case errors.Is(err, chatclient.ErrCancelled):
					return nil
				default:
					// The client has already committed an apology to the transcript.
					out.lastEntry(client.Snapshot())
				}
			}
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session key to resume")
	return cmd
}

// terminalView prints streamed text as it arrives.
type terminalView struct {
	out io.Writer

	mu      sync.Mutex
	printed int
	notices int
}

func (v *terminalView) begin() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printed = 0
	v.notices = 0
}

func (v *terminalView) update(s chatclient.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !s.IsStreaming {
		return
	}
	if len(s.Streaming) > v.printed {
		fmt.Fprint(v.out, s.Streaming[v.printed:])
		v.printed = len(s.Streaming)
	}
	for ; v.notices < len(s.Notices); v.notices++ {
		fmt.Fprintf(v.out, "\n[action failed] %s\n", s.Notices[v.notices])
	}
}

func (v *terminalView) lastEntry(s chatclient.Snapshot) {
	if len(s.Transcript) == 0 {
		return
	}
	fmt.Fprintln(v.out, "\n"+s.Transcript[len(s.Transcript)-1].Content)
}
