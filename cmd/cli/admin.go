package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "request appeals and cancellations on a running node",
}

func init() {
	adminCmd.AddCommand(appealCmd)
	adminCmd.AddCommand(cancelCmd)
}

var (
	appealCmd = &cobra.Command{
		Use:   "appeal <hash>",
		Short: "appeal an ACCEPTED or UNDETERMINED transaction before it is finalized",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := client.Appeal(args[0]); err != nil {
				writeToConsole(nil, err)
			}
			writeToConsole(fmt.Sprintf("Appeal of %s requested", args[0]), nil)
		},
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel <hash>",
		Short: "cancel a PENDING transaction",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := client.Cancel(args[0]); err != nil {
				writeToConsole(nil, err)
			}
			writeToConsole(fmt.Sprintf("%s canceled", args[0]), nil)
		},
	}
)
