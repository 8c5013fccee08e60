package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type publishReq struct {
	Topic    string            `json:"topic"`
	Document json.RawMessage   `json:"document"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type publishResp struct {
	UniqueTimeHex string `json:"unique_time_hex"`
}

// NewPublishCommand returns the "publish" subcommand: PUBLISH an event
// document onto a topic.
func NewPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	var document string
	var headers map[string]string

	cmd := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Publish an event document onto a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(document)) {
				return fmt.Errorf("--document must be valid JSON")
			}
			var resp publishResp
			err := doJSON(cmd.Context(), baseURL(), "POST", "/v1/publish", publishReq{
				Topic:    args[0],
				Document: json.RawMessage(document),
				Headers:  headers,
			}, &resp)
			if err != nil {
				return err
			}
			cmd.Println(resp.UniqueTimeHex)
			return nil
		},
	}
	cmd.Flags().StringVar(&document, "document", "{}", "event document as a JSON object")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "header key=value, repeatable")
	return cmd
}
