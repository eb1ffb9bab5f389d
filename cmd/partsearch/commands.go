package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/output"
)

func searchCmd() *cobra.Command {
	var (
		mode     string
		page     int
		pageSize int
		showAll  bool
		format   string
	)

	cmd := &cobra.Command{
		Use:   "search <scope> <key>...",
		Short: "Search part numbers in a scope",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			resp, err := rt.svc.Search(ctx, domain.Request{
				Scope:    args[0],
				Keys:     args[1:],
				Mode:     mode,
				Page:     page,
				PageSize: pageSize,
				ShowAll:  showAll,
			})
			if err != nil {
				return err
			}

			return output.NewPrinter(output.ParseFormat(format)).PrintSearch(resp)
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "hybrid", "Search mode: exact, fuzzy, hybrid")
	cmd.Flags().IntVar(&page, "page", 1, "Result page per key")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Records per key and page (0 = default)")
	cmd.Flags().BoolVar(&showAll, "all", false, "Return every record, ignoring pagination")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table, wide, json, yaml")

	return cmd
}

func invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <scope>",
		Short: "Drop every cached result of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled() {
				return fmt.Errorf("invalidate needs the shared Redis cache (set --redis)")
			}
			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, runtimeOptions{memoryIndex: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.svc.Invalidate(ctx, args[0])
			if err != nil {
				return err
			}
			output.NewPrinter(output.FormatTable).Success("Invalidated %d cached results for scope %s", n, args[0])
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "load <scope> <rows.json>",
		Short: "Load parsed rows into every durable backend",
		Long: "Replace a scope's rows in every configured backend that accepts rows.\n" +
			"The file holds a JSON array of rows or an object with a \"rows\" array.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.svc.Load(ctx, args[0], rows)
			if report != nil {
				if perr := output.NewPrinter(output.ParseFormat(format)).PrintLoadReport(report); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

func readRows(path string) ([]domain.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var rows []domain.Row
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return rows, nil
	}
	var wrapped struct {
		Rows []domain.Row `json:"rows"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return wrapped.Rows, nil
}
