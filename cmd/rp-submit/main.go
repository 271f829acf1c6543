// Command rp-submit is a bridge client: it submits a task to a running
// rp-agent, cancels one, or requests shutdown, against the agent's
// external gRPC endpoint (spec.md §9).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/radical-cybertools/rp-agent/pkg/bridge"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rp-submit",
	Short: "Submit and manage tasks against a running rp-agent",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:13131", "rp-agent bridge address")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "RPC timeout")

	submitCmd.Flags().String("uid", "", "task uid (required)")
	submitCmd.Flags().String("exe", "", "executable path (required)")
	submitCmd.Flags().StringSlice("arg", nil, "argument, may be repeated")
	submitCmd.Flags().Int("ranks", 1, "number of ranks")
	submitCmd.Flags().Int("cores-per-rank", 1, "cores per rank")
	submitCmd.Flags().Int("gpus-per-rank", 0, "gpus per rank")
	_ = submitCmd.MarkFlagRequired("uid")
	_ = submitCmd.MarkFlagRequired("exe")

	cancelCmd.Flags().StringSlice("uid", nil, "task uid to cancel, may be repeated")
	_ = cancelCmd.MarkFlagRequired("uid")

	rootCmd.AddCommand(submitCmd, cancelCmd, shutdownCmd, pollCmd)
}

func dial(cmd *cobra.Command) (*bridge.Client, context.Context, context.CancelFunc, error) {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	client, err := bridge.Dial(ctx, addr)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return client, ctx, cancel, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one task",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		uid, _ := cmd.Flags().GetString("uid")
		exe, _ := cmd.Flags().GetString("exe")
		args, _ := cmd.Flags().GetStringSlice("arg")
		ranks, _ := cmd.Flags().GetInt("ranks")
		cores, _ := cmd.Flags().GetInt("cores-per-rank")
		gpus, _ := cmd.Flags().GetInt("gpus-per-rank")

		ack, err := client.SubmitTask(ctx, &bridge.TaskSubmission{
			UID:          uid,
			Executable:   exe,
			Arguments:    args,
			Ranks:        ranks,
			CoresPerRank: cores,
			GPUsPerRank:  gpus,
		})
		if err != nil {
			return err
		}
		if !ack.Ok {
			return fmt.Errorf("submit rejected: %s", ack.Error)
		}
		fmt.Printf("submitted %s\n", uid)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel one or more tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		uids, _ := cmd.Flags().GetStringSlice("uid")
		ack, err := client.CancelTask(ctx, &bridge.CancelRequest{UIDs: uids})
		if err != nil {
			return err
		}
		if !ack.Ok {
			return fmt.Errorf("cancel rejected: %s", ack.Error)
		}
		fmt.Printf("canceled %s\n", strings.Join(uids, ","))
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Request agent shutdown",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		ack, err := client.Shutdown(ctx, &bridge.Empty{})
		if err != nil {
			return err
		}
		if !ack.Ok {
			return fmt.Errorf("shutdown rejected: %s", ack.Error)
		}
		fmt.Println("shutdown requested")
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll for state updates since an index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()

		since, _ := cmd.Flags().GetUint64("since")
		resp, err := client.PollStateUpdates(ctx, &bridge.PollRequest{Since: since})
		if err != nil {
			return err
		}
		for _, u := range resp.Updates {
			fmt.Printf("%s %s %s %s\n", u.UID, u.EType, u.State, u.Details)
		}
		fmt.Printf("last=%d\n", resp.Last)
		return nil
	},
}

func init() {
	pollCmd.Flags().Uint64("since", 0, "resume index from a previous poll's last value")
}
