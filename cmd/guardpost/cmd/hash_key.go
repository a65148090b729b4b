package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

var hashKeyArgon2 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for the config file",
	Long: `Hash an API key for use in the auth.api_keys.key_hash field.

The default output is the standard-base64 SHA-256 digest of the key,
which allows constant-time lookup by hash. With --argon2 the output is
an Argon2id PHC string instead; those are verified by iterating over
the configured keys, so prefer the default for large key sets.

Example:
  guardpost hash-key "my-secret-api-key"
  guardpost hash-key --argon2 "my-secret-api-key"

Security note: the key will appear in shell history. Consider clearing
history after use, or pass it through an environment variable:
  guardpost hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2 {
			hash, err := auth.HashAPIKeyArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hashing key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(auth.HashAPIKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2, "argon2", false, "emit an Argon2id PHC string instead of a SHA-256 digest")
	rootCmd.AddCommand(hashKeyCmd)
}
