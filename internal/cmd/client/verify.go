package client

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type verifyResp struct {
	Valid              bool            `json:"valid"`
	HighestSealedLevel int             `json:"highest_sealed_level"`
	Document           json.RawMessage `json:"document,omitempty"`
	ReceivedAtMs       int64           `json:"received_at_ms"`
	Proof              json.RawMessage `json:"proof"`
	Roots              json.RawMessage `json:"roots,omitempty"`
}

// NewVerifyCommand returns the "verify" subcommand: independently
// re-derive and re-validate an event's Binary Digest Tree inclusion proof.
func NewVerifyCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <topic> <unique_time_hex>",
		Short: "Verify an event's integrity proof",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/verify?topic=%s&unique_time_hex=%s", url.QueryEscape(args[0]), url.QueryEscape(args[1]))
			var resp verifyResp
			if err := doJSON(cmd.Context(), baseURL(), "GET", path, nil, &resp); err != nil {
				return err
			}
			out, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
}
