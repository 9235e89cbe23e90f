// Command llmctl sends chat requests and manages batch jobs through the
// provider adapters.
//
// # Configuration
//
// Settings are read from the YAML file given with --config, then from the
// environment. A .env file in the working directory is loaded first and never
// overrides variables already set.
//
//	LLM_PROVIDER       - anthropic, openai, azure or bedrock
//	LLM_MODEL          - default model
//	ANTHROPIC_API_KEY  - Anthropic credentials
//	OPENAI_API_KEY     - OpenAI credentials
//	AZURE_OPENAI_*     - Azure endpoint, key and API version
//	AWS_REGION         - Bedrock region, credentials use the AWS chain
//	REDIS_URL          - Redis for the batch store and shared rate budgets
//	MONGO_URL          - MongoDB for the batch store
//	LLM_RATE_TPM       - enables the adaptive rate limiter
//
// # Example
//
//	llmctl complete --system "Be terse." "What is a monad?"
//	llmctl stream --max-tokens 512 "Write a haiku about Go"
//	llmctl batch create --file items.jsonl
//	llmctl batch status --wait msgbatch_01HkcTjaV5uDC8jWR4ZsDV8d
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/goa-llm/runtime/llm/config"
)

type (
	rootFlags struct {
		configPath string
		envFile    string
		provider   string
		model      string
		debug      bool
	}

	// builder creates the app once the configuration is loaded.
	builder func(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(build builder) *cobra.Command {
	var (
		flags rootFlags
		a     *app
	)
	get := func() *app { return a }

	root := &cobra.Command{
		Use:           "llmctl",
		Short:         "Send chat requests and manage batch jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logContext(cmd.Context(), flags.debug)
			cmd.SetContext(ctx)
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err = build(ctx, cfg, cmd.OutOrStdout())
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a == nil {
				return nil
			}
			return a.Close(cmd.Context())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.StringVarP(&flags.provider, "provider", "p", "", "provider override (anthropic, openai, azure, bedrock)")
	pf.StringVarP(&flags.model, "model", "m", "", "model override")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logs")

	root.AddCommand(newCompleteCmd(get), newStreamCmd(get), newBatchCmd(get))
	return root
}

func logContext(ctx context.Context, debug bool) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(os.Stderr))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

func loadConfig(flags rootFlags) (*config.Config, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.provider != "" {
		cfg.Provider = flags.provider
	}
	if flags.model != "" {
		cfg.Defaults.Model = flags.model
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}
