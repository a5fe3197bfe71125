/*
Copyright © 2024 Nokia
*/
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/iptecharch/calc-server/pkg/calcpb"
)

var bulkFile string
var conc int64

type bulkResult struct {
	expression string
	value      float64
	err        error
}

// bulkCmd represents the bulk command
var bulkCmd = &cobra.Command{
	Use:          "bulk",
	Short:        "evaluate every line of a file concurrently",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if conc <= 0 {
			return fmt.Errorf("invalid flag value --concurrency %d", conc)
		}
		f, err := os.Open(bulkFile)
		if err != nil {
			return err
		}
		defer f.Close()
		exprs, err := readExpressions(f)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		cc, calcClient, err := createCalculatorClient(ctx, addr)
		if err != nil {
			return err
		}
		defer cc.Close()

		now := time.Now()
		results, err := runBulk(ctx, calcClient, exprs, conc)
		if err != nil {
			return err
		}
		printBulkTable(os.Stdout, results)
		failed := 0
		for _, r := range results {
			if r.err != nil {
				failed++
			}
		}
		fmt.Printf("evaluated %d expressions in %s: %d ok, %d failed\n",
			len(results), time.Since(now), len(results)-failed, failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bulkCmd)
	bulkCmd.Flags().StringVarP(&bulkFile, "file", "f", "", "file with one expression per line")
	bulkCmd.Flags().Int64VarP(&conc, "concurrency", "", 64, "max concurrent evaluate requests")
	bulkCmd.MarkFlagRequired("file")
}

// readExpressions returns the non-blank lines of r, trimmed.
func readExpressions(r io.Reader) ([]string, error) {
	exprs := make([]string, 0)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		exprs = append(exprs, line)
	}
	return exprs, sc.Err()
}

// runBulk evaluates exprs with at most conc requests in flight. Results keep
// the input order.
func runBulk(ctx context.Context, calcClient calcpb.CalculatorClient, exprs []string, conc int64) ([]*bulkResult, error) {
	results := make([]*bulkResult, len(exprs))
	wg := &sync.WaitGroup{}
	sem := semaphore.NewWeighted(conc)
	for i, expr := range exprs {
		err := sem.Acquire(ctx, 1)
		if err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int, expr string) {
			defer wg.Done()
			defer sem.Release(1)
			r := &bulkResult{expression: expr}
			rsp, err := calcClient.Evaluate(ctx, wrapperspb.String(expr))
			if err != nil {
				r.err = err
			} else {
				r.value = rsp.GetValue()
			}
			results[i] = r
		}(i, expr)
	}
	wg.Wait()
	return results, nil
}

func printBulkTable(w io.Writer, results []*bulkResult) {
	tableData := make([][]string, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			tableData = append(tableData, []string{r.expression, "", status.Convert(r.err).Message()})
			continue
		}
		tableData = append(tableData, []string{r.expression, formatValue(r.value), ""})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Expression", "Result", "Error"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(tableData)
	table.Render()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
