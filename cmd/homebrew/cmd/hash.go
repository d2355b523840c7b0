package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/auth"
)

var hashUsername string

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the client digest and stored hash for a username and password",
	Long: `Prompt for a username and password and print the digest a client sends
at login together with the bcrypt hash stored as the local credential.
Useful for seeding accounts by hand.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		src := cmd.InOrStdin()
		in := bufio.NewReader(src)
		out := cmd.OutOrStdout()

		username := hashUsername
		if username == "" {
			fmt.Fprint(out, "Username: ")
			line, err := in.ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			username = strings.TrimSpace(line)
		}
		username = account.NormalizeUsername(username)
		if username == "" {
			return fmt.Errorf("username required")
		}

		fmt.Fprint(out, "Password: ")
		password, err := readPassword(src, in)
		fmt.Fprintln(out)
		if err != nil {
			return err
		}
		if password == "" {
			return fmt.Errorf("password required")
		}

		digest := auth.ClientDigest(username, password)
		engine := auth.NewEngine(auth.WithBcryptCost(cfg.Auth.BcryptCost))
		hash, err := engine.HashPassword(cmd.Context(), digest)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "username: %s\ndigest:   %s\nhash:     %s\n", username, digest, hash)
		return nil
	},
}

// readPassword reads without echo from a terminal, or a plain line otherwise.
func readPassword(src io.Reader, in *bufio.Reader) (string, error) {
	if f, ok := src.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
	}
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func init() {
	rootCmd.AddCommand(hashCmd)
	hashCmd.Flags().StringVarP(&hashUsername, "username", "u", "", "Username (prompted when empty)")
}
