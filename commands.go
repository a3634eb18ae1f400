package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/gateway"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.durable(); err != nil {
					return err
				}
				// newApp already migrated; report the result.
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date at %s\n", a.cfg.Store.Path)
				return nil
			})
		},
	}
}

func stockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Inspect and seed inventory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <product-id> <available>",
		Short: "Overwrite the available count of a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			available, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("available must be an integer: %w", err)
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.durable(); err != nil {
					return err
				}
				return a.ledger.SetStock(ctx, args[0], available)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <product-id>...",
		Short: "Print available and reserved counts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.durable(); err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PRODUCT\tAVAILABLE\tRESERVED\tVERSION")
				for _, productID := range args {
					entry, err := a.ledger.Stock(ctx, productID)
					if err != nil {
						return fmt.Errorf("%s: %w", productID, err)
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", entry.ProductID, entry.Available, entry.Reserved, entry.Version)
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "load <seed.yaml>",
		Short: "Seed stock and prices from a YAML file",
		Long: `Seed stock and prices from a YAML file:

  products:
    - id: sku-1
      available: 100
      price: 1250

Prices are written to the Redis catalog when catalog.source is redis.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := parseSeed(f)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.durable(); err != nil {
					return err
				}
				for _, p := range seed.Products {
					if err := a.ledger.SetStock(ctx, p.ID, p.Available); err != nil {
						return fmt.Errorf("%s: %w", p.ID, err)
					}
				}
				if a.cfg.Catalog.Source == "redis" {
					if err := a.redisCatalog().Load(ctx, seed.prices()); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d products\n", len(seed.Products))
				return nil
			})
		},
	})
	return cmd
}

type seedProduct struct {
	ID        string `yaml:"id"`
	Available int    `yaml:"available"`
	Price     *int64 `yaml:"price"`
}

type seedFile struct {
	Products []seedProduct `yaml:"products"`
}

func (s seedFile) prices() map[string]int64 {
	out := make(map[string]int64, len(s.Products))
	for _, p := range s.Products {
		if p.Price != nil {
			out[p.ID] = *p.Price
		}
	}
	return out
}

func parseSeed(r io.Reader) (*seedFile, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	seen := make(map[string]bool, len(seed.Products))
	for i, p := range seed.Products {
		switch {
		case p.ID == "":
			return nil, fmt.Errorf("seed: product %d has no id", i)
		case p.Available < 0:
			return nil, fmt.Errorf("seed: %s has negative stock", p.ID)
		case p.Price != nil && *p.Price < 0:
			return nil, fmt.Errorf("seed: %s has a negative price", p.ID)
		case seen[p.ID]:
			return nil, fmt.Errorf("seed: %s listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	return &seed, nil
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Operate the durable job queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Claim and run one batch of due jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.durable(); err != nil {
					return err
				}
				runner := a.runner()
				if _, _, err := a.settlement(runner); err != nil {
					return err
				}
				n, err := runner.RunDue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d jobs\n", n)
				return nil
			})
		},
	})

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.durable(); err != nil {
					return err
				}
				all, err := a.jobStore.List(ctx, job.Status(status))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tOPERATION\tKEY\tSTATUS\tATTEMPTS\tRUN AT\tLAST ERROR")
				for _, j := range all {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
						j.ID, j.Operation, j.Key, j.Status, j.Attempts, j.MaxAttempts, j.RunAt.Format("2006-01-02T15:04:05Z07:00"), j.LastError)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, in_flight or exhausted")
	cmd.AddCommand(list)
	return cmd
}

func callbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Gateway callback helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sign [file]",
		Short: "Print the signature header value for a callback body (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			body, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Gateway.SignatureHeader, gateway.NewSigner(cfg.Gateway.Secret).Sign(body))
			return nil
		},
	})
	return cmd
}
