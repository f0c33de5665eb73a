package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procureline/internal/app"
	"procureline/internal/engine"
)

func receptionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reception", Short: "Record deliveries"}

	var itemID, date, prefix, number, price, comment string
	var qty float64
	record := &cobra.Command{
		Use:   "record",
		Short: "Record a delivery against an item",
		RunE: func(cmd *cobra.Command, args []string) error {
			actual, err := parseOptionalDecimal("price", price)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.RecordReception(ctx, engine.ReceptionOptions{
					ItemID:          itemID,
					ActorID:         actorID(),
					Quantity:        qty,
					Date:            date,
					InvoicePrefix:   prefix,
					InvoiceNumber:   number,
					ActualUnitPrice: actual,
					Comment:         comment,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	record.Flags().StringVar(&itemID, "item", "", "item id")
	record.Flags().Float64Var(&qty, "qty", 0, "received quantity")
	record.Flags().StringVar(&date, "date", "", "reception date, defaults to today")
	record.Flags().StringVar(&prefix, "invoice-prefix", "", "invoice prefix")
	record.Flags().StringVar(&number, "invoice-number", "", "invoice number")
	record.Flags().StringVar(&price, "price", "", "actual unit price; taken from the invoice when omitted")
	record.Flags().StringVar(&comment, "comment", "", "comment")
	_ = record.MarkFlagRequired("item")
	_ = record.MarkFlagRequired("qty")

	var linkPrefix, linkNumber, linkPrice string
	link := &cobra.Command{
		Use:   "link <reception-id>",
		Short: "Attach an invoice to a reception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actual, err := parseOptionalDecimal("price", linkPrice)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rc, err := rt.Engine.LinkReceptionInvoice(ctx, engine.LinkInvoiceOptions{
					ReceptionID:     args[0],
					ActorID:         actorID(),
					InvoicePrefix:   linkPrefix,
					InvoiceNumber:   linkNumber,
					ActualUnitPrice: actual,
				})
				if err != nil {
					return err
				}
				return printJSON(rc)
			})
		},
	}
	link.Flags().StringVar(&linkPrefix, "invoice-prefix", "", "invoice prefix")
	link.Flags().StringVar(&linkNumber, "invoice-number", "", "invoice number")
	link.Flags().StringVar(&linkPrice, "price", "", "actual unit price")
	_ = link.MarkFlagRequired("invoice-number")

	cmd.AddCommand(record, link)
	return cmd
}

// parseInvoiceLine reads "description;quantity;unit price".
func parseInvoiceLine(raw string) (engine.InvoiceLineInput, error) {
	parts := strings.Split(raw, ";")
	if len(parts) != 3 {
		return engine.InvoiceLineInput{}, fmt.Errorf("line %q: expected description;quantity;unit price", raw)
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil {
		return engine.InvoiceLineInput{}, fmt.Errorf("line %q: invalid quantity", raw)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
	if err != nil {
		return engine.InvoiceLineInput{}, fmt.Errorf("line %q: invalid unit price", raw)
	}
	return engine.InvoiceLineInput{Description: strings.TrimSpace(parts[0]), Quantity: qty, UnitPrice: price}, nil
}

func invoiceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "invoice", Short: "Purchase invoices"}

	var provider, prefix, number, date string
	var lineFlags []string
	create := &cobra.Command{
		Use:     "create",
		Short:   "Record a purchase invoice",
		Example: `  procureline invoice create --provider acme --number 981 --line "Laptop;2;1250"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines := make([]engine.InvoiceLineInput, 0, len(lineFlags))
			for _, raw := range lineFlags {
				l, err := parseInvoiceLine(raw)
				if err != nil {
					return err
				}
				lines = append(lines, l)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				inv, err := rt.Engine.CreateInvoice(ctx, engine.InvoiceOptions{
					ActorID:    actorID(),
					ProviderID: provider,
					Prefix:     prefix,
					Number:     number,
					IssueDate:  date,
					Lines:      lines,
				})
				if err != nil {
					return err
				}
				return printJSON(inv)
			})
		},
	}
	create.Flags().StringVar(&provider, "provider", "", "provider id")
	create.Flags().StringVar(&prefix, "prefix", "", "invoice prefix")
	create.Flags().StringVar(&number, "number", "", "invoice number")
	create.Flags().StringVar(&date, "date", "", "issue date, defaults to today")
	create.Flags().StringArrayVar(&lineFlags, "line", nil, "description;quantity;unit price (repeatable)")
	_ = create.MarkFlagRequired("provider")
	_ = create.MarkFlagRequired("number")

	show := &cobra.Command{
		Use:   "show <invoice-id>",
		Short: "Show an invoice with its lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				inv, err := rt.Engine.GetInvoice(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(inv)
			})
		},
	}

	cmd.AddCommand(create, show)
	return cmd
}

func analysisCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "analysis", Short: "Traceability and Kraljic analysis"}

	cmd.AddCommand(&cobra.Command{
		Use:   "traceability <public-id>",
		Short: "Invoice traceability and price variance of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tr, err := rt.Engine.GetTraceability(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tr)
				}
				fmt.Printf("%s: %d of %d received items traceable (%.1f%%)\n", tr.PublicID, tr.ItemsTraceable, tr.ItemsReceived, tr.PercentTraceable)
				tw := newTable(table.Row{"Item", "Estimated", "Actual", "Variance %", "Invoices"})
				for _, v := range tr.Variances {
					variance := "-"
					if v.VariancePercent != nil {
						variance = fmt.Sprintf("%.2f", *v.VariancePercent)
					}
					tw.AppendRow(table.Row{v.Description, decimalOrDash(v.EstimatedUnitPrice), decimalOrDash(v.ActualUnitPrice), variance, strings.Join(v.Invoices, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})

	var start, end string
	kraljic := &cobra.Command{
		Use:   "kraljic",
		Short: "Classify received products into Kraljic quadrants (administrators)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.GetKraljicMatrix(ctx, actorID(), start, end)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("%s .. %s  mean impact %s  mean risk %.3f\n", m.Start, m.End, m.MeanImpact.StringFixed(2), m.MeanRisk)
				tw := newTable(table.Row{"Quadrant", "Product", "Quantity", "Impact", "Risk"})
				quadrants := []struct {
					name    string
					entries []engine.KraljicEntry
				}{
					{engine.QuadrantStrategic, m.Strategic},
					{engine.QuadrantLeverage, m.Leverage},
					{engine.QuadrantBottleneck, m.Bottleneck},
					{engine.QuadrantNonCritical, m.NonCritical},
				}
				for _, q := range quadrants {
					for _, e := range q.entries {
						tw.AppendRow(table.Row{q.name, e.Product, e.Quantity, e.Impact.StringFixed(2), fmt.Sprintf("%.3f", e.Risk)})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	kraljic.Flags().StringVar(&start, "start", "", "window start (YYYY-MM-DD)")
	kraljic.Flags().StringVar(&end, "end", "", "window end (YYYY-MM-DD)")
	_ = kraljic.MarkFlagRequired("start")
	_ = kraljic.MarkFlagRequired("end")
	cmd.AddCommand(kraljic)
	return cmd
}

func decimalOrDash(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}
