package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/blukai/vurcon/internal/rconclient"
	"github.com/blukai/vurcon/internal/rconpool"
	"github.com/spf13/cobra"
)

func execCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [flags] -- <command> [args...]",
		Short: "Run one command",
		Long: `Run one rcon command and print the words of the response.

With more than one --target the command runs on all of them
concurrently and every line is prefixed with the server address.

Examples:
  rconctl exec serverInfo
  rconctl exec -t 10.0.0.1 -t 10.0.0.2 -- admin.say "restarting soon" all`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), opts, args)
		},
	}

	return cmd
}

func runExec(ctx context.Context, opts *options, words []string) error {
	targets, err := opts.parseTargets()
	if err != nil {
		return err
	}

	cfg, _, stop := opts.setup()
	defer stop()

	pool := rconpool.New(cfg)
	defer pool.Close()

	if len(targets) == 1 {
		result, err := pool.Exec(ctx, targets[0], words...)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(result, " "))
		return nil
	}

	results, err := pool.Broadcast(ctx, targets, words...)
	printResults(targets, results)
	return err
}

func printResults(targets []rconclient.Target, results map[string][]string) {
	addrs := make([]string, 0, len(targets))
	for _, target := range targets {
		if _, ok := results[target.Addr()]; ok {
			addrs = append(addrs, target.Addr())
		}
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		fmt.Printf("%s: %s\n", addr, strings.Join(results[addr], " "))
	}
}
