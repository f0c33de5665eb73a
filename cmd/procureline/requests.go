package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"procureline/internal/app"
	"procureline/internal/domain"
	"procureline/internal/engine"
)

// itemFile is the YAML layout accepted by --items-file.
type itemFile struct {
	Items []struct {
		Description        string  `yaml:"description"`
		Specifications     string  `yaml:"specifications"`
		Quantity           float64 `yaml:"quantity"`
		Observations       string  `yaml:"observations"`
		Priority           string  `yaml:"priority"`
		ImageRef           string  `yaml:"image_ref"`
		EstimatedUnitPrice string  `yaml:"estimated_unit_price"`
	} `yaml:"items"`
}

// parseItemFlag reads "description;quantity[;unit price[;priority]]".
func parseItemFlag(raw string) (engine.ItemInput, error) {
	parts := strings.Split(raw, ";")
	if len(parts) < 2 {
		return engine.ItemInput{}, fmt.Errorf("item %q: expected description;quantity[;price[;priority]]", raw)
	}
	qty, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return engine.ItemInput{}, fmt.Errorf("item %q: invalid quantity", raw)
	}
	it := engine.ItemInput{Description: strings.TrimSpace(parts[0]), Quantity: qty}
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		price, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
		if err != nil {
			return engine.ItemInput{}, fmt.Errorf("item %q: invalid price", raw)
		}
		it.EstimatedUnitPrice = &price
	}
	if len(parts) > 3 {
		it.Priority = strings.TrimSpace(parts[3])
	}
	return it, nil
}

func loadItems(flags []string, file string) ([]engine.ItemInput, error) {
	var items []engine.ItemInput
	for _, raw := range flags {
		it, err := parseItemFlag(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if file == "" {
		return items, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var doc itemFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	for i, in := range doc.Items {
		it := engine.ItemInput{
			Description:    in.Description,
			Specifications: in.Specifications,
			Quantity:       in.Quantity,
			Observations:   in.Observations,
			Priority:       in.Priority,
			ImageRef:       in.ImageRef,
		}
		if in.EstimatedUnitPrice != "" {
			price, err := decimal.NewFromString(in.EstimatedUnitPrice)
			if err != nil {
				return nil, fmt.Errorf("%s: items[%d].estimated_unit_price: %w", file, i, err)
			}
			it.EstimatedUnitPrice = &price
		}
		items = append(items, it)
	}
	return items, nil
}

func parseOptionalDecimal(name, raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &d, nil
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Manage purchase requests"}
	cmd.AddCommand(requestCreateCmd())
	cmd.AddCommand(requestShowCmd())
	cmd.AddCommand(requestListCmd())
	cmd.AddCommand(requestUpdateCmd())
	cmd.AddCommand(requestSubmitCmd())
	cmd.AddCommand(requestDecideCmd())
	cmd.AddCommand(requestOverrideCmd())
	cmd.AddCommand(requestCloseCmd())
	cmd.AddCommand(requestDeleteCmd())
	return cmd
}

func requestCreateCmd() *cobra.Command {
	var provider, date, reqType, notes, itemsFile string
	var itemFlags []string
	var draft bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a purchase request",
		Example: `  procureline request create --item "Laptop;2;1200.50" --item "Dock;2"
  procureline request create --items-file items.yml --draft`,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := loadItems(itemFlags, itemsFile)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.CreateRequest(ctx, engine.CreateRequestOptions{
					RequesterID: actorID(),
					ProviderID:  provider,
					RequestDate: date,
					Type:        reqType,
					Notes:       notes,
					Items:       items,
					Draft:       draft,
				})
				if err != nil {
					return err
				}
				for _, w := range res.DuplicateWarnings {
					fmt.Fprintf(os.Stderr, "warning: %q was requested in %s on %s\n", w.Description, w.MatchedPublicID, w.MatchedAt)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider id")
	cmd.Flags().StringVar(&date, "date", "", "request date (YYYY-MM-DD), defaults to today")
	cmd.Flags().StringVar(&reqType, "type", string(domain.TypePurchase), "purchase or service")
	cmd.Flags().StringVar(&notes, "notes", "", "free text")
	cmd.Flags().StringArrayVar(&itemFlags, "item", nil, "description;quantity[;unit price[;priority]] (repeatable)")
	cmd.Flags().StringVar(&itemsFile, "items-file", "", "YAML file with an items list")
	cmd.Flags().BoolVar(&draft, "draft", false, "store as draft; approval starts on submit")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <public-id>",
		Short: "Show a request with tasks, receptions and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Engine.GetRequest(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
}

func requestListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				reqs, err := rt.Engine.ListRequests(ctx, actorID(), domain.RequestStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := newTable(table.Row{"Public ID", "Date", "Requester", "Type", "Status", "Urgent", "Version"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.PublicID, r.RequestDate, r.RequesterID, r.Type, r.Status, r.Urgent, r.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func requestUpdateCmd() *cobra.Command {
	var provider, date, reqType, notes, itemsFile string
	var itemFlags []string
	var version int
	cmd := &cobra.Command{
		Use:   "update <public-id>",
		Short: "Edit a request; --item or --items-file replaces every item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateRequestOptions{PublicID: args[0], ActorID: actorID()}
			flags := cmd.Flags()
			if flags.Changed("version") {
				opts.Version = &version
			}
			if flags.Changed("provider") {
				opts.ProviderID = &provider
			}
			if flags.Changed("date") {
				opts.RequestDate = &date
			}
			if flags.Changed("type") {
				opts.Type = &reqType
			}
			if flags.Changed("notes") {
				opts.Notes = &notes
			}
			if len(itemFlags) > 0 || itemsFile != "" {
				items, err := loadItems(itemFlags, itemsFile)
				if err != nil {
					return err
				}
				opts.Items = items
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.UpdateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().StringVar(&provider, "provider", "", "provider id")
	cmd.Flags().StringVar(&date, "date", "", "request date")
	cmd.Flags().StringVar(&reqType, "type", "", "purchase or service")
	cmd.Flags().StringVar(&notes, "notes", "", "free text")
	cmd.Flags().StringArrayVar(&itemFlags, "item", nil, "replacement item (repeatable)")
	cmd.Flags().StringVar(&itemsFile, "items-file", "", "YAML file with replacement items")
	return cmd
}

func requestSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <public-id>",
		Short: "Submit a draft for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Submit(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func requestDecideCmd() *cobra.Command {
	var taskID, decision, comment string
	cmd := &cobra.Command{
		Use:   "decide <public-id>",
		Short: "Approve or reject an approval task",
		Long:  "Without --task the actor's actionable task on the request is used.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor := actorID()
				if taskID == "" {
					view, err := rt.Engine.GetRequest(ctx, args[0], actor)
					if err != nil {
						return err
					}
					for _, t := range view.Actionable {
						if t.ApproverID == actor {
							taskID = t.ID
							break
						}
					}
					if taskID == "" {
						return fmt.Errorf("no actionable task for %s on %s", actor, args[0])
					}
				}
				res, err := rt.Engine.Decide(ctx, engine.DecideOptions{
					PublicID: args[0],
					TaskID:   taskID,
					ActorID:  actor,
					Decision: decision,
					Comment:  comment,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	cmd.Flags().StringVar(&comment, "comment", "", "comment, required to reject")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func requestOverrideCmd() *cobra.Command {
	var target, comment string
	cmd := &cobra.Command{
		Use:   "override <public-id>",
		Short: "Force a status (administrators)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.OverrideStatus(ctx, args[0], actorID(), domain.RequestStatus(target), comment)
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&target, "status", "", "EN_PROCESO or PENDIENTE_APROBACION")
	cmd.Flags().StringVar(&comment, "comment", "", "reason")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func requestCloseCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "close <public-id>",
		Short: "Close a request before full receipt (administrators)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.CloseRequest(ctx, args[0], actorID(), comment)
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reason")
	return cmd
}

func requestDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <public-id>",
		Short: "Delete a request without receptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteRequest(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "Approval inbox"}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List tasks the actor can decide now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.PendingApprovals(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"Request", "Task", "Order", "Approver", "Requester", "Date", "Urgent"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Task.PublicID, t.Task.ID, t.Task.Order, t.Task.ApproverID, t.RequesterID, t.RequestDate, t.Urgent})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}
