package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/api"
	"github.com/David-Botos/endo-ingress/pkg/dataset"
	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/pipeline"
	"github.com/David-Botos/endo-ingress/pkg/split"
)

var (
	workers        int
	outDir         string
	maxPerCategory int
	augment        bool
	seed           int64
	toWarehouse    bool
	concurrency    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		h := api.NewHandler(a.pipeline, a.store, cfg.Pipeline.MaxUploadSize, log)
		srv := api.New(cfg.Server, h, a.registry, log)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		log.Info("Server exited")
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Ingest every image in a directory",
	Long: `The ingest command runs each .jpg, .jpeg or .png file in <dir> through the
pipeline. Metadata is read from the JSON file with the same base name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		jobs, err := pipeline.JobsFromDir(args[0])
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			log.Warn("No images found", zap.String("dir", args[0]))
			return nil
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n := workers
		if n <= 0 {
			n = cfg.WorkerPoolSize
		}
		summary, results := a.pipeline.IngestBatch(ctx, jobs, n)

		for _, r := range results {
			if r.Result.Success {
				continue
			}
			log.Info("Upload rejected",
				zap.String("file", r.Name),
				zap.String("kind", r.Result.Kind.String()),
				zap.Strings("errors", r.Result.Errors))
		}
		fmt.Fprintln(cmd.OutOrStdout(), a.pipeline.Metrics().GenerateMetricsReport())

		if summary.FailedCount() > 0 {
			return fmt.Errorf("%d of %d uploads failed", summary.FailedCount(), summary.Total)
		}
		return nil
	},
}

var reassignCmd = &cobra.Command{
	Use:   "reassign",
	Short: "Recompute train/val/test splits for all validated images",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := split.Rebalance(ctx, a.store, a.pipeline.Assigner(), log)
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the training manifest and optionally export it to the warehouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		b := dataset.NewBuilder(a.store, imageRoot(cfg.Storage), log)
		m, err := b.Prepare(ctx, dataset.Options{
			MaxPerCategory: maxPerCategory,
			Augment:        augment,
			Seed:           seed,
		})
		if err != nil {
			return err
		}

		paths, err := dataset.WriteManifest(outDir, m)
		if err != nil {
			return err
		}
		for sp, p := range paths {
			log.Info("Wrote split", zap.String("split", string(sp)), zap.String("path", p))
		}

		if toWarehouse {
			res, err := exportToWarehouse(ctx, a, m.Entries)
			if err != nil {
				return err
			}
			log.Info("Manifest exported", zap.String("table", res.Table), zap.Int64("rows", res.Rows))
		}
		return printJSON(cmd, m.Stats)
	},
}

func exportToWarehouse(ctx context.Context, a *app, entries []dataset.Entry) (dataset.ExportResult, error) {
	conn, err := a.factory.CreateWarehouseConnector(ctx)
	if err != nil {
		return dataset.ExportResult{}, err
	}
	defer conn.Close()

	exp, err := dataset.NewExporter(conn, cfg.Warehouse.Table, log)
	if err != nil {
		return dataset.ExportResult{}, err
	}
	return exp.Export(ctx, entries)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash stored images of validated records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.store.ListByStatus(ctx, model.StatusValidated)
		if err != nil {
			return err
		}

		v := dataset.NewVerifier(a.objects, log).WithConcurrency(concurrency).WithTimeout(timeout)
		report, err := v.VerifyObjects(ctx, records)
		if err != nil {
			return err
		}

		if cfg.Warehouse.Enabled() {
			conn, err := a.factory.CreateWarehouseConnector(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			exp, err := dataset.NewExporter(conn, cfg.Warehouse.Table, log)
			if err != nil {
				return err
			}
			if err := v.VerifyRowCount(ctx, report, exp, int64(len(records))); err != nil {
				return err
			}
		}

		if err := printJSON(cmd, report); err != nil {
			return err
		}
		if !report.OK() {
			return errors.New("verification found problems")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the metadata tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		// openApp ensures the schema
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		log.Info("Metadata schema is up to date", zap.String("driver", a.conn.DriverName()))
		return nil
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	ingestCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of ingestion workers (0 uses WORKER_POOL_SIZE)")

	exportCmd.Flags().StringVarP(&outDir, "out", "o", "./dataset", "Directory for the JSONL splits and stats.json")
	exportCmd.Flags().IntVar(&maxPerCategory, "max-per-category", 0, "Cap entries per category (0 disables balancing)")
	exportCmd.Flags().BoolVar(&augment, "augment", false, "Add prompt variations for annotated findings")
	exportCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for balancing and shuffling")
	exportCmd.Flags().BoolVar(&toWarehouse, "warehouse", false, "Also export the manifest to the configured warehouse")

	verifyCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 8, "Objects fetched in parallel")
}
