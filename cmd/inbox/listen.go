package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	inbox "github.com/supportdesk/inbox-realtime"
)

var listenPresence bool

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().BoolVar(&listenPresence, "presence", false, "enter the conversation and print presence and typing changes")
}

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id>",
	Short: "Print messages arriving on a conversation until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conv := args[0]
		client.Connection().OnStateChange(func(c inbox.StateChange) {
			if c.Err != nil {
				fmt.Fprintf(os.Stderr, "[%s] %v\n", c.To, c.Err)
				return
			}
			fmt.Fprintf(os.Stderr, "[%s]\n", c.To)
		})

		sub, err := client.SubscribeMessages(ctx, conv, func(m inbox.Message) {
			note := ""
			if m.IsInternalNote() {
				note = " (note)"
			}
			fmt.Printf("%s %s%s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.Sender.Name, note, m.Text)
		})
		if err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		defer sub.Unsubscribe()

		if listenPresence {
			me := self(cfg)
			leave, err := client.EnterConversation(ctx, conv, inbox.PresenceData{
				UserID: me.ID,
				Name:   me.Name,
				Type:   inbox.ParticipantAgent,
				Status: inbox.PresenceOnline,
			})
			if err != nil {
				return fmt.Errorf("enter failed: %w", err)
			}
			defer leave()

			psub, err := client.OnPresenceChange(ctx, conv, func(members []inbox.PresenceMember) {
				names := make([]string, 0, len(members))
				for _, m := range members {
					names = append(names, fmt.Sprintf("%s (%s)", valueOrDefault(m.Name, m.ParticipantID), m.Status))
				}
				fmt.Fprintf(os.Stderr, "present: %s\n", strings.Join(names, ", "))
			})
			if err != nil {
				return fmt.Errorf("presence failed: %w", err)
			}
			defer psub.Unsubscribe()

			tsub, err := client.OnTypingChange(ctx, conv, func(names []string) {
				if len(names) == 0 {
					return
				}
				fmt.Fprintf(os.Stderr, "typing: %s\n", strings.Join(names, ", "))
			})
			if err != nil {
				return fmt.Errorf("typing failed: %w", err)
			}
			defer tsub.Unsubscribe()
		}

		<-ctx.Done()
		return nil
	},
}
