package client

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type queryResultResp struct {
	UniqueTimeHex string            `json:"unique_time_hex"`
	Document      json.RawMessage   `json:"document"`
	Headers       map[string]string `json:"headers,omitempty"`
	ReceivedAtMs  int64             `json:"received_at_ms"`
}

// NewQueryCommand returns the "query" subcommand: run the QUERY operation
// against a topic's secondary index or a shard-bucket time-range scan,
// optionally narrowed by a CEL filter expression.
func NewQueryCommand(baseURL BaseURLFunc) *cobra.Command {
	var indexName, indexValue, filter string
	var fromMs, toMs int64
	var limit int

	cmd := &cobra.Command{
		Use:   "query <topic>",
		Short: "Query events on a topic by index or time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("topic", args[0])
			if indexName != "" {
				q.Set("index_name", indexName)
				q.Set("index_value", indexValue)
			}
			if filter != "" {
				q.Set("filter", filter)
			}
			if fromMs > 0 {
				q.Set("from_ms", fmt.Sprint(fromMs))
			}
			if toMs > 0 {
				q.Set("to_ms", fmt.Sprint(toMs))
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			var results []queryResultResp
			if err := doJSON(cmd.Context(), baseURL(), "GET", "/v1/query?"+q.Encode(), nil, &results); err != nil {
				return err
			}
			for _, r := range results {
				out, err := json.Marshal(map[string]any{
					"unique_time_hex": r.UniqueTimeHex,
					"received_at_ms":  r.ReceivedAtMs,
					"headers":         r.Headers,
					"document":        renderDocument(r.Document),
				})
				if err != nil {
					return err
				}
				cmd.Println(string(out))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&indexName, "index-name", "", "declared secondary index to query")
	cmd.Flags().StringVar(&indexValue, "index-value", "", "index value to look up")
	cmd.Flags().StringVar(&filter, "filter", "", "CEL predicate over document/headers")
	cmd.Flags().Int64Var(&fromMs, "from-ms", 0, "lower bound, unix millis")
	cmd.Flags().Int64Var(&toMs, "to-ms", 0, "upper bound, unix millis")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	return cmd
}
