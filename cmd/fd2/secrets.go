package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenda-podcast/fd2/pkg/config"
)

var errNoPassword = errors.New("secrets password required: set " + passwordEnv + " or run in a terminal")

func (a *app) secretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted project secrets file",
		Long: `secrets stores API keys in <repo>/.fd/secrets.json.enc, encrypted with a
password taken from ` + passwordEnv + ` or prompted for. Values in the file
take precedence over environment variables of the same name.`,
	}
	cmd.AddCommand(a.secretsSetCommand(), a.secretsListCommand(), a.secretsDeleteCommand())
	return cmd
}

// openSecrets loads the secrets file for modification. A new file asks for the
// password twice.
func (a *app) openSecrets() (*config.Secrets, string, error) {
	exists := config.SecretsFileExists(a.repoDir)
	pw, err := a.password(!exists)
	if err != nil {
		return nil, "", err
	}
	if pw == "" {
		return nil, "", errNoPassword
	}
	secrets, err := config.LoadSecrets(a.repoDir, pw)
	if err != nil {
		return nil, "", err
	}
	return secrets, pw, nil
}

func (a *app) secretsSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME",
		Short: "Store a secret; the value is read without echo or from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]
			secrets, pw, err := a.openSecrets()
			if err != nil {
				return failWith(exitUsage, err)
			}

			var value string
			if a.readSecret != nil {
				value, err = a.readSecret(fmt.Sprintf("Value for %s: ", name))
			} else {
				value, err = a.readLine()
			}
			if err != nil {
				return err
			}
			if value == "" {
				return failWith(exitUsage, fmt.Errorf("empty value for %s", name))
			}

			secrets.Set(name, value)
			if err := secrets.Save(a.repoDir, pw); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s stored %s in %s\n", styles.Success.Render("✅"), name, config.SecretsPath(a.repoDir))
			return nil
		},
	}
}

func (a *app) secretsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a secret from the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !config.SecretsFileExists(a.repoDir) {
				return failWith(exitFailure, fmt.Errorf("no secrets file at %s", config.SecretsPath(a.repoDir)))
			}
			secrets, pw, err := a.openSecrets()
			if err != nil {
				return failWith(exitUsage, err)
			}
			secrets.Delete(args[0])
			if err := secrets.Save(a.repoDir, pw); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s removed %s\n", styles.Success.Render("✅"), args[0])
			return nil
		},
	}
}

func (a *app) secretsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names and where each provider key resolves from",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var stored *config.Secrets
			if config.SecretsFileExists(a.repoDir) {
				var err error
				if stored, _, err = a.openSecrets(); err != nil {
					return failWith(exitUsage, err)
				}
			} else {
				stored = config.NewSecrets(nil)
			}

			names := stored.Names()
			inFile := make(map[string]bool, len(names))
			t := newTable("NAME", "SOURCE")
			for _, n := range names {
				inFile[n] = true
				t.add(n, "file")
			}
			for _, n := range []string{
				config.SecretGeminiAPIKey, config.SecretAnthropicAPIKey,
				config.SecretOpenAIAPIKey, config.SecretGitHubToken,
			} {
				if inFile[n] {
					continue
				}
				if _, err := stored.Get(n); err == nil {
					t.add(n, "environment")
				} else {
					t.add(n, styles.Muted.Render("unset"))
				}
			}
			t.render(a.stdout)
			return nil
		},
	}
}
