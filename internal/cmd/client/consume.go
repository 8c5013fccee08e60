package client

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type claimConsumerReq struct {
	Topic         string `json:"topic"`
	ConsumerID    string `json:"consumer_id"`
	OwnerIdentity string `json:"owner_identity"`
}

type messageResp struct {
	UniqueTimeHex string          `json:"unique_time_hex"`
	Document      json.RawMessage `json:"document"`
	Attempt       int             `json:"attempt"`
}

// NewClaimCommand returns the "claim" subcommand: claim exclusive ownership
// of a consumer_id before polling it with next.
func NewClaimCommand(baseURL BaseURLFunc) *cobra.Command {
	var ownerIdentity string
	cmd := &cobra.Command{
		Use:   "claim <topic> <consumer_id>",
		Short: "Claim exclusive ownership of a consumer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(cmd.Context(), baseURL(), "POST", "/v1/consumers/claim", claimConsumerReq{
				Topic:         args[0],
				ConsumerID:    args[1],
				OwnerIdentity: ownerIdentity,
			}, nil)
		},
	}
	cmd.Flags().StringVar(&ownerIdentity, "owner", "", "owner identity to claim with (random if empty)")
	return cmd
}

// NewNextCommand returns the "next" subcommand: long-poll the next
// undelivered or redelivery-due message for a claimed consumer.
func NewNextCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <topic> <consumer_id>",
		Short: "Pull the next message for a claimed consumer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/next?topic=%s&consumer_id=%s", url.QueryEscape(args[0]), url.QueryEscape(args[1]))
			var msg messageResp
			if err := doJSON(cmd.Context(), baseURL(), "GET", path, nil, &msg); err != nil {
				return err
			}
			out, err := json.Marshal(map[string]any{
				"unique_time_hex": msg.UniqueTimeHex,
				"attempt":         msg.Attempt,
				"document":        renderDocument(msg.Document),
			})
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	return cmd
}

type ackReq struct {
	Topic         string `json:"topic"`
	ConsumerID    string `json:"consumer_id"`
	UniqueTimeHex string `json:"unique_time_hex"`
}

// NewAckCommand returns the "ack" subcommand.
func NewAckCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <topic> <consumer_id> <unique_time_hex>",
		Short: "Acknowledge successful processing of a delivered event",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(cmd.Context(), baseURL(), "POST", "/v1/ack", ackReq{
				Topic: args[0], ConsumerID: args[1], UniqueTimeHex: args[2],
			}, nil)
		},
	}
}

// NewNackCommand returns the "nack" subcommand.
func NewNackCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "nack <topic> <consumer_id> <unique_time_hex>",
		Short: "Schedule immediate backoff-delayed redelivery of an event",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(cmd.Context(), baseURL(), "POST", "/v1/nack", ackReq{
				Topic: args[0], ConsumerID: args[1], UniqueTimeHex: args[2],
			}, nil)
		},
	}
}
