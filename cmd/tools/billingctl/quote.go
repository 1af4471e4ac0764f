package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/noah-isme/pos-billing/internal/billing"
)

// quoteItem accepts loosely typed prices and quantities the way the billing
// screen receives them.
type quoteItem struct {
	ProductID     string `json:"productId"`
	Name          string `json:"name"`
	UnitPrice     any    `json:"unitPrice"`
	Quantity      any    `json:"quantity"`
	GSTApplicable bool   `json:"gstApplicable"`
}

type quoteResult struct {
	Mode   billing.Mode       `json:"billingMode"`
	Rate   decimal.Decimal    `json:"gstRate"`
	Items  []billing.LineItem `json:"items"`
	Totals billing.Totals     `json:"totals"`
}

func newQuoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a list of items offline",
		Example: `  billingctl quote --file items.json
  billingctl quote --file items.json --mode without_gst --rate 0.05 --json`,
		RunE: runQuote,
	}
	cmd.Flags().String("file", "", "JSON array of items (reads stdin when empty or -)")
	cmd.Flags().String("mode", string(billing.ModeWithGST), "billing mode")
	cmd.Flags().String("rate", billing.DefaultGSTRate.String(), "GST rate")
	cmd.Flags().String("currency", "₹", "currency symbol")
	cmd.Flags().Bool("json", false, "print JSON instead of a table")
	return cmd
}

func runQuote(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("file")
	modeFlag, _ := cmd.Flags().GetString("mode")
	rateFlag, _ := cmd.Flags().GetString("rate")
	currency, _ := cmd.Flags().GetString("currency")
	asJSON, _ := cmd.Flags().GetBool("json")

	mode, err := billing.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(rateFlag))
	if err != nil || rate.IsNegative() {
		return fmt.Errorf("invalid --rate %q", rateFlag)
	}

	var in io.Reader = cmd.InOrStdin()
	if file != "" && file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	var items []quoteItem
	dec := json.NewDecoder(in)
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return fmt.Errorf("decode items: %w", err)
	}

	res := priceQuote(items, mode, billing.NewCalculator(rate))
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printQuote(cmd.OutOrStdout(), res, currency)
}

// priceQuote merges repeated product ids and recomputes with calc.
func priceQuote(items []quoteItem, mode billing.Mode, calc billing.Calculator) quoteResult {
	index := map[string]int{}
	lines := make([]billing.LineItem, 0, len(items))
	for i, it := range items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" {
			id = fmt.Sprintf("item-%d", i+1)
		}
		qty := billing.CoerceQuantity(it.Quantity)
		if at, ok := index[id]; ok {
			lines[at].Quantity += qty
			continue
		}
		index[id] = len(lines)
		lines = append(lines, billing.LineItem{
			ProductID:     id,
			ProductName:   it.Name,
			UnitPrice:     billing.CoercePrice(it.UnitPrice),
			GSTApplicable: it.GSTApplicable,
			Quantity:      qty,
		})
	}
	out, totals := calc.Recompute(lines, mode)
	return quoteResult{Mode: mode, Rate: calc.Rate, Items: out, Totals: totals}
}

func printQuote(w io.Writer, res quoteResult, currency string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ITEM\tQTY\tUNIT\tGST\tTOTAL\t")
	for _, it := range res.Items {
		name := it.ProductName
		if name == "" {
			name = it.ProductID
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n", name, it.Quantity,
			billing.FormatCurrency(currency, it.UnitPrice),
			billing.FormatCurrency(currency, it.GSTAmount),
			billing.FormatCurrency(currency, it.Total))
	}
	fmt.Fprintf(tw, "Subtotal\t\t\t\t%s\t\n", billing.FormatCurrency(currency, res.Totals.Subtotal))
	fmt.Fprintf(tw, "GST (%s)\t\t\t\t%s\t\n", res.Mode, billing.FormatCurrency(currency, res.Totals.TotalGST))
	fmt.Fprintf(tw, "Grand total\t\t\t\t%s\t\n", billing.FormatCurrency(currency, res.Totals.GrandTotal))
	return tw.Flush()
}
