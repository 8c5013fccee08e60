package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the Fragtale client, wiring
// every PUBLISH/NEXT/ACK/NACK/QUERY/VERIFY operation plus topic
// provisioning as a subcommand against the HTTP server baseURL resolves.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "fragtale",
		Short: "Fragtale client commands",
	}
	root.AddCommand(NewTopicCommand(baseURL))
	root.AddCommand(NewPublishCommand(baseURL))
	root.AddCommand(NewClaimCommand(baseURL))
	root.AddCommand(NewNextCommand(baseURL))
	root.AddCommand(NewAckCommand(baseURL))
	root.AddCommand(NewNackCommand(baseURL))
	root.AddCommand(NewQueryCommand(baseURL))
	root.AddCommand(NewVerifyCommand(baseURL))
	return root
}
