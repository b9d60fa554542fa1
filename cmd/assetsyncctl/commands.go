package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/assetsync/internal/api"
	"github.com/danmuck/assetsync/internal/orchestrator"
	"github.com/spf13/cobra"
)

type batchView = api.BatchView

type cliOptions struct {
	server  string
	output  string
	timeout time.Duration
}

func (o *cliOptions) client() *apiClient {
	return newAPIClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "assetsyncctl",
		Short:         "Trigger and inspect batch image updates on assetsyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:9400", "assetsyncd base URL")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "output format: table|json|yaml")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newTriggerCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newCancelCmd(opts),
		newDismissCmd(opts),
		newFieldCmd(opts),
		newOperationsCmd(opts),
	)
	return root
}

func newTriggerCmd(opts *cliOptions) *cobra.Command {
	var (
		field    string
		rawValue string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trigger <operation> <entity-id>...",
		Short: "Start a batch update",
		Long: `Start one batch applying --value to every entity.

The value is parsed as JSON when possible, so --value true, --value '{"category":"editorial"}'
and --value '"Spring 26"' all work; anything else is sent as a plain string.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.Request{
				Operation: args[0],
				Field:     field,
				Value:     parseValue(rawValue),
				EntityIDs: args[1:],
			}
			var out struct {
				BatchID string `json:"batch_id"`
			}
			c := opts.client()
			if err := c.do(cmd.Context(), http.MethodPost, "/batches", req, &out); err != nil {
				return err
			}
			if !wait {
				return render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, out.BatchID)
					return err
				})
			}
			b, err := waitForBatch(cmd.Context(), c, out.BatchID, interval)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, b, entityTable(b))
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "entity field (defaults to the operation's field)")
	cmd.Flags().StringVar(&rawValue, "value", "", "value to apply")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the batch completes")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "status poll interval with --wait")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show per-entity status of one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b batchView
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/batches/"+escape(args[0]), nil, &b); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, b, entityTable(b))
		},
	}
}

func newListCmd(opts *cliOptions) *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/batches"
			if active {
				path = "/batches/active"
			}
			var out struct {
				Batches []batchView `json:"batches"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, out.Batches, batchTable(out.Batches))
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only batches that have not completed")
	return cmd
}

func newCancelCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id> [entity-id]",
		Short: "Cancel a whole batch or one entity of it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/batches/" + escape(args[0]) + "/cancel"
			if len(args) == 2 {
				path = "/batches/" + escape(args[0]) + "/entities/" + escape(args[1]) + "/cancel"
			}
			var out map[string]any
			if err := opts.client().do(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
				if n, ok := out["cancelled"].(float64); ok {
					_, err := fmt.Fprintf(w, "cancelled %d task(s)\n", int(n))
					return err
				}
				_, err := fmt.Fprintln(w, "cancelled")
				return err
			})
		},
	}
}

func newDismissCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <batch-id>",
		Short: "Stop tracking a batch, cancelling anything still running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				BatchID   string `json:"batch_id"`
				Dismissed bool   `json:"dismissed"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/batches/"+escape(args[0]), nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
				state := "dismissed"
				if !out.Dismissed {
					state = "not tracked"
				}
				_, err := fmt.Fprintf(w, "%s %s\n", out.BatchID, state)
				return err
			})
		},
	}
}

func newFieldCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "field <entity-id> <field>",
		Short: "Show whether an entity field is being updated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out api.FieldStatus
			path := "/entities/" + escape(args[0]) + "/fields/" + escape(args[1])
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
				fmt.Fprintln(w, "ENTITY\tFIELD\tUPDATING\tERROR")
				_, err := fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", out.EntityID, out.Field, out.Updating, dash(out.Error))
				return err
			})
		},
	}
}

func newOperationsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List registered operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Operations []api.OperationView `json:"operations"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/operations", nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, out.Operations, func(w io.Writer) error {
				fmt.Fprintln(w, "OPERATION\tFIELD\tCASCADES\tDESCRIPTION")
				for _, op := range out.Operations {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", op.Name, op.Field, dash(strings.Join(op.Cascades, ",")), op.Description)
				}
				return nil
			})
		},
	}
}

// parseValue decodes raw as JSON, falling back to the raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func waitForBatch(ctx context.Context, c *apiClient, batchID string, interval time.Duration) (batchView, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var b batchView
		if err := c.do(ctx, http.MethodGet, "/batches/"+escape(batchID), nil, &b); err != nil {
			return batchView{}, err
		}
		if b.CompletedAt != nil {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return batchView{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
