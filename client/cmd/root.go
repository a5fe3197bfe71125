/*
Copyright © 2024 Nokia
*/
package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iptecharch/calc-server/pkg/calcpb"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "calcctl",
	Short: "calc-server client",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var addr string
var timeout time.Duration

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "address", "a", "localhost:56100", "calc server address")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "", 10*time.Second, "connection timeout")
}

func createCalculatorClient(ctx context.Context, addr string) (*grpc.ClientConn, calcpb.CalculatorClient, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cc, err := grpc.DialContext(ctx, addr,
		grpc.WithBlock(),
		grpc.WithTransportCredentials(
			insecure.NewCredentials(),
		),
	)
	if err != nil {
		return nil, nil, err
	}
	return cc, calcpb.NewCalculatorClient(cc), nil
}
