package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/repository"
)

var (
	contactsListSearch string
	contactsListLimit  int
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Contact management commands",
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import contacts from a CSV file",
	Long: `Import contacts from a CSV file with a header row. Recognized columns:
name, email, phone, certificate, rera, professional. Rows without a name,
email or phone are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runContactsImport,
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
	RunE:  runContactsList,
}

func init() {
	contactsListCmd.Flags().StringVar(&contactsListSearch, "search", "", "Filter by name, email or phone")
	contactsListCmd.Flags().IntVar(&contactsListLimit, "limit", 50, "Maximum number of contacts to show")

	contactsCmd.AddCommand(contactsImportCmd, contactsListCmd)
	rootCmd.AddCommand(contactsCmd)
}

func runContactsImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open CSV: %w", err)
	}
	defer f.Close()

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	result, err := repository.NewContactRepository(database.DB).ImportCSV(context.Background(), f)
	if err != nil {
		return fmt.Errorf("failed to import contacts: %w", err)
	}

	fmt.Printf("Imported %d of %d rows (%d skipped)\n", result.Imported, result.Total, result.Skipped)
	for _, e := range result.Errors {
		fmt.Printf("  %s\n", e)
	}
	return nil
}

func runContactsList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	contacts, total, err := repository.NewContactRepository(database.DB).List(context.Background(), models.ContactFilter{
		Search: contactsListSearch,
		Limit:  contactsListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	if len(contacts) == 0 {
		fmt.Println("No contacts found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL\tPHONE\tCERTIFICATE")
	fmt.Fprintln(w, "--\t----\t-----\t-----\t-----------")
	for _, c := range contacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Email, c.Phone, c.CertificateNumber)
	}
	w.Flush()
	fmt.Printf("\nShowing %d of %d contacts\n", len(contacts), total)

	return nil
}
