// Command baf is the operator CLI for the BlockAndFocus daemon. It
// speaks the control protocol over the daemon's Unix socket.
//
// Usage:
//
//	baf status                      - Show daemon state and counters
//	baf list                        - List blocked domains
//	baf add <domain>                - Add a domain to the blocklist
//	baf remove <domain>             - Remove a domain from the blocklist
//	baf schedule show               - Print the schedule
//	baf schedule enable|disable     - Flip the schedule flag
//	baf bypass <minutes>            - Solve the quiz for a bypass window
//	baf bypass cancel               - End the bypass window early
//	baf ping                        - Check the daemon is reachable
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/blockandfocus/baf/internal/buildinfo"
	"github.com/blockandfocus/baf/internal/config"
	"github.com/blockandfocus/baf/pkg/client"
)

const cmdTimeout = 5 * time.Second

func main() {
	var (
		dev        bool
		socketPath string
	)

	root := &cobra.Command{
		Use:   "baf",
		Short: "BlockAndFocus control CLI",
		Long: `baf inspects and mutates the BlockAndFocus daemon: the blocklist,
the enforcement schedule, and the quiz-gated bypass.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&dev, "dev", false, "talk to a development-mode daemon")
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "override the control socket path")

	cli := func() *client.Client {
		path := socketPath
		if path == "" {
			path = config.ProdSocketPath
			if dev {
				path = config.DevSocketPath
			}
		}
		return client.New(path)
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version: %s\n", buildinfo.Version)
			fmt.Printf("commit: %s\n", buildinfo.Commit)
		},
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check the daemon is reachable",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
			defer cancel()
			if err := cli().Ping(ctx); err != nil {
				return err
			}
			color.Green("pong")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and counters",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
			defer cancel()
			st, err := cli().Status(ctx)
			if err != nil {
				return err
			}

			if st.BlockingActive {
				color.New(color.FgRed, color.Bold).Println("BLOCKING ACTIVE")
			} else {
				color.New(color.FgGreen, color.Bold).Println("not blocking")
			}
			fmt.Printf("blocking enabled:  %v\n", st.BlockingEnabled)
			fmt.Printf("schedule enabled:  %v\n", st.ScheduleEnabled)
			if st.ScheduleActive {
				fmt.Printf("schedule active:   yes (%s)\n", st.ActiveScheduleRule)
			} else {
				fmt.Printf("schedule active:   no\n")
			}
			if st.BypassActive && st.BypassRemainingSeconds != nil {
				color.Yellow("bypass active:     %s remaining",
					(time.Duration(*st.BypassRemainingSeconds) * time.Second).String())
			}
			fmt.Printf("blocked domains:   %d\n", st.BlockedDomainsCount)
			fmt.Printf("queries blocked:   %d\n", st.QueriesBlocked)
			fmt.Printf("queries forwarded: %d\n", st.QueriesForwarded)
			fmt.Printf("uptime:            %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
			fmt.Printf("daemon version:    %s\n", st.Version)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List blocked domains",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
			defer cancel()
			domains, err := cli().Blocklist(ctx)
			if err != nil {
				return err
			}
			if len(domains) == 0 {
				color.Yellow("Blocklist is empty.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"#", "Domain"})
			table.SetBorder(false)
			for i, d := range domains {
				table.Append([]string{strconv.Itoa(i + 1), d})
			}
			color.New(color.Bold).Println("BLOCKED DOMAINS:")
			table.Render()
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:     "add <domain>",
		Short:   "Add a domain to the blocklist",
		Example: "baf add facebook.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
			defer cancel()
			if err := cli().AddDomain(ctx, args[0]); err != nil {
				return err
			}
			color.Green("✓ blocked %s", args[0])
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:     "remove <domain>",
		Short:   "Remove a domain from the blocklist",
		Example: "baf remove facebook.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
			defer cancel()
			if err := cli().RemoveDomain(ctx, args[0]); err != nil {
				return err
			}
			color.Green("✓ unblocked %s", args[0])
			return nil
		},
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect or toggle the enforcement schedule",
	}
	scheduleShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the schedule",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
			defer cancel()
			sc, err := cli().Schedule(ctx)
			if err != nil {
				return err
			}
			state := "disabled"
			if sc.Enabled {
				state = "enabled"
			}
			fmt.Printf("schedule: %s\n", state)
			if len(sc.Rules) == 0 {
				color.Yellow("No rules configured.")
				return nil
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "Days", "Start", "End"})
			table.SetBorder(false)
			for _, r := range sc.Rules {
				table.Append([]string{r.Name, strings.Join(r.Days, ","), r.Start, r.End})
			}
			table.Render()
			return nil
		},
	}
	scheduleEnableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable schedule gating",
		RunE: func(_ *cobra.Command, _ []string) error {
			return setScheduleEnabled(cli(), true)
		},
	}
	scheduleDisableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable schedule gating",
		RunE: func(_ *cobra.Command, _ []string) error {
			return setScheduleEnabled(cli(), false)
		},
	}
	scheduleCmd.AddCommand(scheduleShowCmd, scheduleEnableCmd, scheduleDisableCmd)

	bypassCmd := &cobra.Command{
		Use:     "bypass <minutes>|cancel",
		Short:   "Suspend blocking after solving the quiz, or cancel a bypass",
		Example: "baf bypass 15",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[0] == "cancel" {
				ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
				defer cancel()
				if err := cli().CancelBypass(ctx); err != nil {
					return err
				}
				color.Green("✓ bypass cancelled")
				return nil
			}

			minutes, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q: expected minutes or \"cancel\"", args[0])
			}
			return runBypassQuiz(cli(), minutes)
		},
	}

	root.AddCommand(pingCmd, statusCmd, listCmd, addCmd, removeCmd,
		scheduleCmd, bypassCmd, versionCmd)
	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func setScheduleEnabled(cli *client.Client, enabled bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	if err := cli.SetScheduleEnabled(ctx, enabled); err != nil {
		return err
	}
	color.Green("✓ schedule %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
	return nil
}

// runBypassQuiz drives the challenge flow interactively: request a
// challenge, collect answers on stdin, submit. The quiz deadline is
// enforced by the daemon, not here.
func runBypassQuiz(cli *client.Client, minutes int) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	ch, err := cli.RequestBypass(ctx, minutes)
	cancel()
	if err != nil {
		return err
	}

	color.New(color.FgYellow, color.Bold).Printf("Solve to bypass for %d minutes", minutes)
	fmt.Printf(" (expires %s)\n", ch.ExpiresAt.Local().Format(time.Kitchen))

	reader := bufio.NewReader(os.Stdin)
	answers := make([]int64, 0, len(ch.Questions))
	for i, q := range ch.Questions {
		fmt.Printf("%d) %s ", i+1, q)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading answer: %w", err)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err != nil {
			return fmt.Errorf("answer %d is not a number", i+1)
		}
		answers = append(answers, n)
	}

	ctx, cancel = context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	if err := cli.SubmitQuizAnswers(ctx, ch.ChallengeID, answers); err != nil {
		return err
	}
	color.Green("✓ bypass active for %d minutes", minutes)
	return nil
}
