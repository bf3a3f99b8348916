package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	inbox "github.com/supportdesk/inbox-realtime"
)

var queueJSON bool

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "output raw JSON")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list [conversation-id]",
	Short: "List queued messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var (
			items []inbox.QueuedMessage
			err   error
		)
		if len(args) == 1 {
			items, err = client.Queued(ctx, args[0])
		} else {
			items, err = client.Queue().List(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		if queueJSON {
			out, _ := json.MarshalIndent(items, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, it := range items {
			state := string(it.Status)
			if it.PermanentlyFailed {
				state = "failed permanently"
			}
			fmt.Printf("%s  %-16s %-20s attempts=%d  %q\n", it.ID, it.ConversationID, state, it.Attempts, it.Text)
			if it.LastError != "" {
				fmt.Printf("    last error: %s\n", it.LastError)
			}
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Connect and deliver queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain failed: %w", err)
		}
		fmt.Printf("Sent: %d  Failed: %d\n", len(res.Sent), len(res.Failed))
		for _, it := range res.Failed {
			fmt.Printf("  %s: %s\n", it.ID, it.LastError)
		}
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <message-id>",
	Short: "Remove a message from the queue without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Discard(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Discarded %s\n", args[0])
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Give a failed message a fresh retry budget and drain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			fmt.Printf("Not connected (%v); the message will go out on the next drain.\n", err)
		}
		item, err := client.Resend(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Retrying %s (%s)\n", item.ID, item.Status)
		return nil
	},
}
