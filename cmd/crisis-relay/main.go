package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crisiscenter/crisis-relay/internal/client"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crisis-relay",
		Short: "Crisis Relay - command line client",
		Long: `crisis-relay talks to a running crisis-relay-server.

Run 'crisis-relay watch incident 42' to stream an incident's events.
Run 'crisis-relay publish incident:42 status '{"state":"open"}'' to publish.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("server", envOr("RELAY_SERVER", "http://localhost:8080"), "relay server URL")
	rootCmd.PersistentFlags().String("api-key", os.Getenv("RELAY_PUBLISH_API_KEY"), "publish API key")
	rootCmd.PersistentFlags().String("token", os.Getenv("RELAY_TOKEN"), "bearer token for watch")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")

	rootCmd.AddCommand(
		publishCmd(),
		watchCmd(),
		connectionsCmd(),
		topicCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	token, _ := cmd.Flags().GetString("token")
	return client.New(client.Config{BaseURL: server, APIKey: apiKey, Token: token})
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <topic> <kind> [payload-json]",
		Short: "Publish an event to a topic",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.PublishRequest{Topic: args[0], Kind: args[1]}
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(args[2])
			}

			res, err := newClient(cmd).Publish(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(res)
			}
			fmt.Printf("%s seq=%d subscribers=%d delivered=%d dropped=%d closed=%d\n",
				res.Topic, res.Seq, res.Subscribers, res.Delivered, res.Dropped, res.Closed)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [channel id]",
		Short: "Stream events until interrupted",
		Long: `Stream events from the relay. With a channel and id the connection
subscribes to {channel}:{id}; use --topic for additional topics.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <channel> <id>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			topics, _ := cmd.Flags().GetStringSlice("topic")
			identity, _ := cmd.Flags().GetString("identity")
			role, _ := cmd.Flags().GetString("role")

			opts := client.WatchOptions{Topics: topics, Identity: identity, Role: role}
			if len(args) == 2 {
				opts.Channel, opts.ID = args[0], args[1]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			asJSON := jsonOutput(cmd)
			err := newClient(cmd).Watch(ctx, opts, func(env protocol.Envelope) error {
				if asJSON {
					return printJSON(env)
				}
				printFrame(env)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringSlice("topic", nil, "additional topics to subscribe to")
	cmd.Flags().String("identity", "", "identity (servers in insecure auth mode)")
	cmd.Flags().String("role", "", "role (servers in insecure auth mode)")
	return cmd
}

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List live connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, _ := cmd.Flags().GetString("identity")
			list, err := newClient(cmd).Connections(cmd.Context(), identity)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(list)
			}
			for _, c := range list.Connections {
				fmt.Printf("%s  %-24s %-14s queue=%d/%d topics=%s\n",
					c.Handle, c.Identity, c.Role, c.QueueDepth, c.QueueCapacity, strings.Join(c.Topics, ","))
			}
			fmt.Printf("%d connection(s)\n", list.Count)
			return nil
		},
	}
	cmd.Flags().String("identity", "", "only show connections of this identity")
	return cmd
}

func topicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topic <topic>",
		Short: "Show a topic's subscribers and sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := newClient(cmd).Topic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(info)
			}
			fmt.Printf("%s subscribers=%d seq=%d policy=%s\n", info.Topic, info.Subscribers, info.Seq, info.Policy)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crisis-relay %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func printFrame(env protocol.Envelope) {
	ts := time.Now().Format("15:04:05")
	switch env.Type {
	case protocol.TypeEvent:
		fmt.Printf("%s %s #%d %s %s\n", ts, env.Topic, env.Seq, env.Kind, env.Payload)
	case protocol.TypeGap:
		fmt.Printf("%s %s gap %d..%d\n", ts, env.Topic, env.FromSeq, env.ToSeq)
	case protocol.TypeWelcome:
		fmt.Printf("%s connected as %s (%s), connection %s\n", ts, env.Identity, env.Role, env.ConnectionID)
	case protocol.TypeClosing:
		fmt.Printf("%s closing: %s\n", ts, env.Reason)
	case protocol.TypeError:
		fmt.Printf("%s error %s: %s\n", ts, env.Code, env.Message)
	default:
		fmt.Printf("%s %s\n", ts, env.Type)
	}
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
