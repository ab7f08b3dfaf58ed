package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/veracify/veracify/internal/debugtrace"
	"github.com/veracify/veracify/internal/retrieval"
	srv "github.com/veracify/veracify/internal/server"
	"github.com/veracify/veracify/internal/synthesis"
	"github.com/veracify/veracify/internal/verification"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var migrationsDir string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			deps, err := buildDeps(ctx, cfgPath)
			if err != nil {
				return err
			}
			if err := srv.Migrate(migrationsDir, deps.cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
				return err
			}

			engine := retrieval.New(deps.store, deps.prov, deps.cfg.Retrieval.ScoreThreshold, nil)
			synth := synthesis.New(deps.prov, synthesis.Options{
				CitationStyle:       deps.cfg.Synthesis.CitationStyle,
				Language:            deps.cfg.Synthesis.Language,
				UncertaintyHandling: deps.cfg.Synthesis.UncertaintyHandling,
				SnippetRadius:       deps.cfg.Synthesis.SnippetRadius,
				MaxContextChunks:    deps.cfg.Synthesis.MaxContextChunks,
			}, nil)
			recorder := debugtrace.New(map[string]string{
				"citation_style":       deps.cfg.Synthesis.CitationStyle,
				"language":             deps.cfg.Synthesis.Language,
				"uncertainty_handling": deps.cfg.Synthesis.UncertaintyHandling,
			}, nil)
			verifier := verification.NewController()
			ask := synthesis.NewAskService(engine, synth, recorder, verifier, deps.cfg.Retrieval.TopK, nil)

			return srv.Run(deps.cfg, srv.Deps{
				Store:        deps.store,
				Files:        deps.files,
				Orchestrator: deps.orch,
				Retrieval:    engine,
				Ask:          ask,
				Verifier:     verifier,
			})
		},
	}
	serve.Flags().StringVar(&migrationsDir, "migrations", "file://migrations", "migrations source")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
