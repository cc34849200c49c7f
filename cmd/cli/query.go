package cli

import (
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "query the admin rpc of a running node",
}

func init() {
	queryCmd.AddCommand(healthCmd)
	queryCmd.AddCommand(txCmd)
	queryCmd.AddCommand(pendingCmd)
	queryCmd.AddCommand(awaitingCmd)
}

var (
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "query the version and dispatcher queues of the node",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Health())
		},
	}

	txCmd = &cobra.Command{
		Use:   "tx <hash>",
		Short: "query a transaction by hash",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Transaction(args[0]))
		},
	}

	pendingCmd = &cobra.Command{
		Use:   "pending",
		Short: "query the PENDING transactions in admission order",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Pending())
		},
	}

	awaitingCmd = &cobra.Command{
		Use:   "awaiting",
		Short: "query the ACCEPTED and UNDETERMINED transactions awaiting finalization",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Awaiting())
		},
	}
)
