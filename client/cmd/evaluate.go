/*
Copyright © 2024 Nokia
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var verbose bool

// evaluateCmd represents the evaluate command
var evaluateCmd = &cobra.Command{
	Use:          "evaluate <expression>",
	Aliases:      []string{"eval"},
	Short:        "evaluate an arithmetic expression",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		cc, calcClient, err := createCalculatorClient(ctx, addr)
		if err != nil {
			return err
		}
		defer cc.Close()
		req := wrapperspb.String(args[0])
		if verbose {
			fmt.Println("request:")
			fmt.Println(prototext.Format(req))
		}
		rsp, err := calcClient.Evaluate(ctx, req)
		if err != nil {
			return err
		}
		if verbose {
			fmt.Println("response:")
			fmt.Println(prototext.Format(rsp))
			return nil
		}
		fmt.Println(formatValue(rsp.GetValue()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().BoolVarP(&verbose, "verbose", "", false, "print request and response messages")
}
