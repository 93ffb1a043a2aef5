package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/app"
	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/repository"
)

var (
	campaignListStatus  string
	campaignListType    string
	campaignListLimit   int
	campaignShowResults bool
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignRetryCmd = &cobra.Command{
	Use:   "retry <campaign_id>",
	Short: "Re-send the failed deliveries of a campaign",
	Long: `Re-send every failed delivery of a partial or failed campaign and wait
for the pass to finish. Stop the server first, or use the API instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaignRetry,
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a scheduled campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCancel,
}

var campaignExecuteCmd = &cobra.Command{
	Use:   "execute <campaign_id>",
	Short: "Dispatch a pending campaign and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignExecute,
}

var campaignProcessOverdueCmd = &cobra.Command{
	Use:   "process-overdue",
	Short: "Dispatch every scheduled campaign that is due",
	RunE:  runCampaignProcessOverdue,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (pending, scheduled, sending, completed, partial, failed, cancelled)")
	campaignListCmd.Flags().StringVar(&campaignListType, "type", "", "Filter by type (email, whatsapp, both)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignShowCmd.Flags().BoolVar(&campaignShowResults, "results", false, "Show per-recipient results")

	campaignCmd.AddCommand(
		campaignListCmd,
		campaignShowCmd,
		campaignRetryCmd,
		campaignCancelCmd,
		campaignExecuteCmd,
		campaignProcessOverdueCmd,
	)
	rootCmd.AddCommand(campaignCmd)
}

// openApp creates the full application for commands that dispatch
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// Keep CLI output readable
	if cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		cfg.Logging.Level = "warn"
	}
	cfg.Metrics.Enabled = false

	application, err := app.New(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	filter := models.CampaignListFilter{
		Status: models.Status(campaignListStatus),
		Type:   models.CampaignType(campaignListType),
		Limit:  campaignListLimit,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return fmt.Errorf("invalid type: %s", campaignListType)
	}

	campaigns, total, err := repository.NewCampaignRepository(database.DB).List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tSENT\tFAILED\tTOTAL\tCREATED")
	fmt.Fprintln(w, "--\t----\t----\t------\t----\t------\t-----\t-------")

	for _, c := range campaigns {
		name := c.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.ID,
			name,
			c.Type,
			c.Status,
			c.SentCount,
			c.FailedCount,
			c.RecipientCount,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nShowing %d of %d campaigns\n", len(campaigns), total)

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	repo := repository.NewCampaignRepository(database.DB)

	c, err := repo.GetByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign not found: %s", args[0])
	}

	printCampaign(c)

	stats, err := repo.ChannelStats(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to get channel stats: %w", err)
	}
	if len(stats) > 0 {
		fmt.Println("\nChannels")
		fmt.Println("--------")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tTOTAL\tSENT\tFAILED\tPENDING")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.Channel, s.Total, s.Sent, s.Failed, s.Pending)
		}
		w.Flush()
	}

	if !campaignShowResults {
		return nil
	}

	results, err := repo.Results(ctx, c.ID, models.ResultFilter{})
	if err != nil {
		return fmt.Errorf("failed to get results: %w", err)
	}

	fmt.Println("\nResults")
	fmt.Println("-------")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTACT\tCHANNEL\tSTATUS\tATTEMPTS\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ContactID, r.Channel, r.Status, r.Attempts, r.Error)
	}
	w.Flush()

	return nil
}

func printCampaign(c *models.Campaign) {
	fmt.Printf("Campaign: %s\n\n", c.ID)
	if c.Name != "" {
		fmt.Printf("Name:       %s\n", c.Name)
	}
	fmt.Printf("Type:       %s\n", c.Type)
	fmt.Printf("Status:     %s\n", c.Status)
	fmt.Printf("Recipients: %d\n", c.RecipientCount)
	fmt.Printf("Sent:       %d\n", c.SentCount)
	fmt.Printf("Failed:     %d\n", c.FailedCount)
	fmt.Printf("Version:    %d\n", c.Version)
	fmt.Printf("Created:    %s\n", c.CreatedAt.Format(time.RFC3339))
	if c.ScheduledAt != nil {
		fmt.Printf("Scheduled:  %s\n", c.ScheduledAt.Format(time.RFC3339))
	}
	if c.SentAt != nil {
		fmt.Printf("Sent At:    %s\n", c.SentAt.Format(time.RFC3339))
	}
	if c.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", c.CompletedAt.Format(time.RFC3339))
	}
}

func runCampaignRetry(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	c, err := application.Service().RetryAndWait(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to retry campaign: %w", err)
	}

	fmt.Printf("Retry finished: %s (sent %d, failed %d of %d)\n", c.Status, c.SentCount, c.FailedCount, c.RecipientCount)
	return nil
}

func runCampaignCancel(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if _, err := application.Service().Cancel(context.Background(), args[0], 0); err != nil {
		return fmt.Errorf("failed to cancel campaign: %w", err)
	}

	fmt.Printf("Campaign %s cancelled\n", args[0])
	return nil
}

func runCampaignExecute(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	c, err := application.Service().Execute(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to execute campaign: %w", err)
	}

	fmt.Printf("Campaign finished: %s (sent %d, failed %d of %d)\n", c.Status, c.SentCount, c.FailedCount, c.RecipientCount)
	return nil
}

func runCampaignProcessOverdue(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	n, err := application.Service().ProcessOverdue(context.Background())
	if err != nil {
		return fmt.Errorf("failed to process overdue campaigns: %w", err)
	}

	fmt.Printf("Processed %d overdue campaigns\n", n)
	return nil
}
