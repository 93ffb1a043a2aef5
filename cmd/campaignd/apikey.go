package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

const minAPIKeyLength = 16

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key commands",
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Print the bcrypt hash of an API key",
	Long: `Print the bcrypt hash of an API key for use as api.api_key_hash.
The key is read from the terminal when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAPIKeyHash,
}

func init() {
	apikeyCmd.AddCommand(apikeyHashCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		fmt.Print("Enter API key: ")
		keyBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		fmt.Println()

		fmt.Print("Confirm API key: ")
		confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		fmt.Println()

		key = string(keyBytes)
		if key != string(confirmBytes) {
			return fmt.Errorf("keys do not match")
		}
	}

	hash, err := hashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func hashAPIKey(key string) (string, error) {
	if len(key) < minAPIKeyLength {
		return "", fmt.Errorf("api key must be at least %d characters", minAPIKeyLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}
