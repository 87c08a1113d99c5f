package main

import (
	"fmt"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/spf13/cobra"
)

var (
	pushEndpoint     string
	subscriptionName string
	tokenUserId      string
	tokenRole        string
)

func init() {
	pubsubInitCmd.Flags().StringVar(&pushEndpoint, "push-endpoint", "", "HTTPS endpoint of /pubsub/corrections (required)")
	pubsubInitCmd.Flags().StringVar(&subscriptionName, "subscription", "vat-corrections-learning", "push subscription name")
	_ = pubsubInitCmd.MarkFlagRequired("push-endpoint")

	tokenCmd.Flags().StringVar(&tokenUserId, "user-id", "1", "user id claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", `role claim; "operator" may act for any business`)

	rootCmd.AddCommand(pubsubInitCmd, tokenCmd)
}

var pubsubInitCmd = &cobra.Command{
	Use:   "pubsub-init",
	Short: "Create the corrections topic and its push subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !config.PubSubEnabled() {
			return fmt.Errorf("set PUBSUB_PROJECT_ID and PUBSUB_CORRECTIONS_TOPIC first")
		}
		ctx := cmd.Context()
		client, err := config.GetClient(ctx)
		if err != nil {
			return err
		}
		topic, err := config.CreateTopicIfNotExists(ctx, client, config.CorrectionsTopic())
		if err != nil {
			return err
		}
		sub, err := config.CreatePushSubscriptionIfNotExists(ctx, client, subscriptionName, topic, pushEndpoint)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "topic %s -> subscription %s (%s)\n", topic.ID(), sub.ID(), pushEndpoint)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		if businessId == "" && tokenRole != utils.RoleOperator {
			return fmt.Errorf("--business is required unless --role operator")
		}
		token, err := utils.JwtGenerate(tokenUserId, userName, businessId, tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
