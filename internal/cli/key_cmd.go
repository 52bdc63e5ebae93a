package cli

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// keyCmd represents the key command group
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Credential encryption key management",
	Long:  `Manage the key that encrypts stored passwords and OAuth tokens at rest.`,
}

// keyGenerateCmd generates a fresh encryption key
var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new credential encryption key",
	Long: `Generate a random 256-bit key for encrypting credentials at rest.

Set the printed value as OPENARCHIVER_ENCRYPTION_KEY (or encryption_key in
config.json) before first use. Changing the key later makes previously
stored credentials unreadable.`,
	Run: func(cmd *cobra.Command, args []string) {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to generate key: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("New credential encryption key:")
		fmt.Println(base64.StdEncoding.EncodeToString(key))
	},
}

func init() {
	keyCmd.AddCommand(keyGenerateCmd)
}
