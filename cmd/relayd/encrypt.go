package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vmrelay/internal/infra/config"
)

// newEncryptCmd builds the command that turns a secret into an "enc:" value
// for server.auth.tokens or executor.ssh.passphrase.
func newEncryptCmd() *cobra.Command {
	var keyEnv string
	cmd := &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a secret for the config file",
		Long: `Encrypt a secret with the passphrase held in $VMRELAY_CONFIG_KEY.
The value is read from the argument or, when omitted, from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv(keyEnv)
			if passphrase == "" {
				return fmt.Errorf("%s is not set", keyEnv)
			}

			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("value must not be empty")
			}

			enc, err := config.EncryptValue(value, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enc:%s\n", enc)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyEnv, "key-env", config.EnvPrefix+"CONFIG_KEY", "environment variable holding the passphrase")
	return cmd
}
