package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"onprem/internal/apperr"
	"onprem/internal/common/fsutil"
	"onprem/internal/config"
	"onprem/internal/image"
	"onprem/internal/registry"
)

// EnvFormat selects the onprem-tags output format.
const EnvFormat = "FORMAT"

// NewTagsCmd constructs the onprem-tags command.
func NewTagsCmd(stdout, stderr io.Writer, lookup LookupFunc) *cobra.Command {
	var format, keyFile, logLevel string
	cmd := &cobra.Command{
		Use:   "onprem-tags",
		Short: "List the available versions of the inference image",
		Long: "Lists the tags of " + image.RepositoryPath() + " in registry order.\n" +
			"Authenticates with the service-account key in SERVICE_ACCOUNT_KEY_FILE.",
		Example:       "  onprem-tags\n  onprem-tags --format tags-only\n  FORMAT=json onprem-tags",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError("onprem-tags takes no arguments")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("format") {
				format = envStr(lookup, EnvFormat, format)
			}
			f, err := registry.ParseFormat(format)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("credentials-file") {
				keyFile = envStr(lookup, config.EnvCredentials, "")
			}
			if keyFile == "" {
				return apperr.Config("config", config.EnvCredentials+" is required", nil)
			}
			path, err := fsutil.ResolveFile(keyFile)
			if err != nil {
				return apperr.Config("config", "credential file "+keyFile+" is not readable", err)
			}
			if !cmd.Flags().Changed("log-level") {
				logLevel = envStr(lookup, config.EnvLogLevel, logLevel)
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return fnListTags(ctx, newLogger(stderr, logLevel), path, f, stdout)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(flagError)
	cmd.Flags().StringVar(&format, "format", string(registry.FormatTable), "Output format: table|json|tags-only (defaults FORMAT)")
	cmd.Flags().StringVar(&keyFile, "credentials-file", "", "Service-account key file (defaults SERVICE_ACCOUNT_KEY_FILE)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	return cmd
}

// ExecuteTags runs the onprem-tags command and returns the process exit code.
func ExecuteTags(args []string) int {
	return execute(NewTagsCmd(os.Stdout, os.Stderr, os.LookupEnv), args, os.Stderr)
}
