package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mydriatech/fragtale/internal/topic"
)

type provisionTopicReq struct {
	Topic          string               `json:"topic"`
	Schema         *topic.Schema        `json:"schema,omitempty"`
	IndexConfig    []topic.IndexConfig  `json:"index_config,omitempty"`
	ShardDurations topic.ShardDurations `json:"shard_durations,omitempty"`
}

// NewTopicCommand returns the "topic" command group for explicit topic
// provisioning ahead of first publish.
func NewTopicCommand(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "topic",
		Short: "Manage topic provisioning",
	}
	root.AddCommand(newTopicProvisionCommand(baseURL))
	return root
}

func newTopicProvisionCommand(baseURL BaseURLFunc) *cobra.Command {
	var schemaJSON, indexConfigJSON string
	var l1Minutes, l2Hours, l3Days int

	cmd := &cobra.Command{
		Use:   "provision <topic>",
		Short: "Provision a topic with an optional schema and index config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := provisionTopicReq{
				Topic:          args[0],
				ShardDurations: topic.ShardDurations{L1Minutes: l1Minutes, L2Hours: l2Hours, L3Days: l3Days},
			}
			if schemaJSON != "" {
				var s topic.Schema
				if err := json.Unmarshal([]byte(schemaJSON), &s); err != nil {
					return fmt.Errorf("--schema: %w", err)
				}
				req.Schema = &s
			}
			if indexConfigJSON != "" {
				if err := json.Unmarshal([]byte(indexConfigJSON), &req.IndexConfig); err != nil {
					return fmt.Errorf("--index-config: %w", err)
				}
			}
			var provisioned topic.Topic
			if err := doJSON(cmd.Context(), baseURL(), "POST", "/v1/topics/provision", req, &provisioned); err != nil {
				return err
			}
			out, err := json.Marshal(provisioned)
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaJSON, "schema", "", `schema as JSON, e.g. {"required":[{"name":"order_id","type":"string"}]}`)
	cmd.Flags().StringVar(&indexConfigJSON, "index-config", "", `index config as JSON, e.g. [{"name":"order_id","path":"order_id","type":"string"}]`)
	cmd.Flags().IntVar(&l1Minutes, "l1-minutes", 0, "level-1 shard width in minutes (registry default if 0)")
	cmd.Flags().IntVar(&l2Hours, "l2-hours", 0, "level-2 shard width in hours (registry default if 0)")
	cmd.Flags().IntVar(&l3Days, "l3-days", 0, "level-3 shard width in days (registry default if 0)")
	return cmd
}
