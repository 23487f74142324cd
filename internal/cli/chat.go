package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/RichardoC/streamchat/internal/client"
	"github.com/spf13/cobra"
)

type clientFlags struct {
	server string
	token  string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	server := os.Getenv("STREAMCHAT_SERVER")
	if server == "" {
		server = "http://localhost:8100"
	}
	cmd.Flags().StringVarP(&f.server, "server", "s", server, "server base URL (env STREAMCHAT_SERVER)")
	cmd.Flags().StringVarP(&f.token, "token", "t", os.Getenv("STREAMCHAT_TOKEN"), "session token (env STREAMCHAT_TOKEN)")
}

func (f *clientFlags) client(opts ...client.Option) (*client.Client, error) {
	if f.token == "" {
		return nil, errors.New("a session token is required (--token or STREAMCHAT_TOKEN)")
	}
	return client.New(f.server, f.token, opts...), nil
}

func newChatCmd() *cobra.Command {
	var (
		flags        clientFlags
		conversation string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively with a streamchat server",
		Long: `Start an interactive chat. Each line you type is sent as a message and the
reply is printed as it streams in.

Commands:
  /new    start a new conversation
  /quit   exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			if conversation != "" {
				if err := c.LoadConversation(ctx, conversation); err != nil {
					return fmt.Errorf("load conversation: %w", err)
				}
				for _, e := range c.Transcript().Messages() {
					fmt.Fprintf(out, "%s: %s\n", e.Role, e.Content)
				}
			}
			c.OnConversation = func(id string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "(conversation %s)\n", id)
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				case "/new":
					c.SetConversation("")
					fmt.Fprintln(out, "(new conversation)")
					continue
				}

				printed := 0
				err := c.Send(ctx, line, func(text string) {
					fmt.Fprint(out, text[printed:])
					printed = len(text)
				})
				if err != nil {
					fmt.Fprintf(out, "\n%s\n", client.FallbackMessage)
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					continue
				}
				fmt.Fprintln(out)
			}
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&conversation, "conversation", "", "continue an existing conversation")
	return cmd
}

func newConversationsCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List your conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			convs, err := c.Conversations(cmd.Context())
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(convs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUPDATED\tTITLE")
			for _, conv := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", conv.ID, conv.UpdatedAt.Local().Format("2006-01-02 15:04"), conv.Title)
			}
			return w.Flush()
		},
	}

	flags.register(cmd)
	return cmd
}
