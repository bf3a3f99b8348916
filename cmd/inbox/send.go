package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	inbox "github.com/supportdesk/inbox-realtime"
)

var (
	sendJSON bool
	sendNote bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "output the send result as JSON")
	sendCmd.Flags().BoolVar(&sendNote, "note", false, "send as an internal note hidden from the customer")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message to a conversation",
	Long:  "Send a message to a conversation. When the backend is unreachable the message is kept in the offline queue.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// A failed connect is not fatal; Send queues the message.
		_ = client.Connect(ctx)

		msg := inbox.Message{Text: strings.Join(args[1:], " "), Sender: self(cfg)}
		if sendNote {
			msg.Extras = &inbox.MessageExtras{Type: inbox.ExtrasInternalNote}
		}
		res, err := client.SendMessage(ctx, args[0], msg)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			out, _ := json.MarshalIndent(res.Message, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		switch res.Status {
		case inbox.StatusQueued:
			fmt.Printf("Queued %s (%v)\n", res.Message.ID, res.Err)
		default:
			fmt.Printf("Sent %s\n", res.Message.ID)
		}
		if res.Simulated {
			fmt.Println("Note: simulated transport, nobody received this message")
		}
		return nil
	},
}
