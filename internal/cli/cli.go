package cli

import (
	"os"

	"github.com/sorglos123/OpenArchiver/internal/config"
	"github.com/sorglos123/OpenArchiver/internal/services"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	db            *gorm.DB
	cfg           *config.Config
	userService   *services.UserService
	sourceService *services.SourceService
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "openarchiver",
	Short: "OpenArchiver email archival service",
	Long: `OpenArchiver continuously archives remote IMAP mailboxes.

This command line tool provides administrative operations:
  - key management: generate the credential encryption key
  - user management: create users, list users, reset passwords
  - source management: register and list archived mailboxes
  - sync: run one archival cycle from the terminal

Examples:
  openarchiver key generate        # generate a credential encryption key
  openarchiver user create         # create a new user
  openarchiver source add          # register a mailbox for archival
  openarchiver source list         # list registered mailboxes
  openarchiver sync --source 1     # archive one source now`,
}

// Execute runs the CLI with the provided database and config
func Execute(database *gorm.DB, config *config.Config) {
	db = database
	cfg = config

	userService = services.NewUserService(db)
	vault := services.NewVault(cfg.GetEncryptionKey())
	sourceService = services.NewSourceService(db, vault, nil)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(syncCmd)
}
