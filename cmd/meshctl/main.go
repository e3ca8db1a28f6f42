// cmd/meshctl is a Cobra CLI for operating a meshnode from outside the
// process: establishing trust, approving it, and managing subscriptions.
// Mirrors ppriyankuu-godkv's cmd/client/main.go — a root command with a
// persistent --server/--timeout flag pair, one cobra.Command per verb,
// prettyPrint for JSON output — retargeted from put/get/delete/cluster
// onto trust/subscription management.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-actingweb/actorcore/internal/meshclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "CLI for operating an actor-mesh node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "meshnode address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(trustCmd(), subscriptionCmd(), breakerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── trust ──────────────────────────────────────────────────────────────────

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Trust relationship management",
	}

	var relationship string
	createCmd := &cobra.Command{
		Use:   "create <peer_id> <baseuri> <secret>",
		Short: "Establish trust toward a peer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			resp, err := c.CreateTrust(context.Background(), args[0], args[1], args[2], relationship)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	createCmd.Flags().StringVar(&relationship, "relationship", "", "relationship tag (e.g. friend, associate)")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <relationship> <peer_id>",
		Short: "Approve a pending trust relationship",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			resp, err := c.ApproveTrust(context.Background(), args[0], args[1], true)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dissolve <relationship> <peer_id>",
		Short: "Dissolve a trust relationship and cascade-delete its subscriptions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			if err := c.DissolveTrust(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("dissolved trust with %q\n", args[1])
			return nil
		},
	})

	return cmd
}

// ─── subscription ───────────────────────────────────────────────────────────

func subscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Subscription management",
	}

	var subtarget, granularity string
	createCmd := &cobra.Command{
		Use:   "create <peer_id> <target> <callback_url>",
		Short: "Create a subscription for a peer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			resp, err := c.CreateSubscription(context.Background(), args[0], args[1], subtarget, args[2], granularity)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	createCmd.Flags().StringVar(&subtarget, "subtarget", "", "subtarget to scope the subscription to")
	createCmd.Flags().StringVar(&granularity, "granularity", "high", "high or low")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list <peer_id>",
		Short: "List subscriptions held by a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			subs, err := c.ListSubscriptions(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(subs)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <peer_id> <subscription_id>",
		Short: "Delete a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			if err := c.DeleteSubscription(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("deleted subscription %q\n", args[1])
			return nil
		},
	})

	return cmd
}

// ─── breaker ─────────────────────────────────────────────────────────────────

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Circuit breaker inspection",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every peer breaker this node has observed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			breakers, err := c.ListBreakers(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(breakers)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <peer_id>",
		Short: "Reset a peer's breaker to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := meshclient.New(serverAddr, timeout)
			rec, err := c.ResetBreaker(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(rec)
			return nil
		},
	})

	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
