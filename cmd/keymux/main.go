// Package main is the entry point for keymux.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "config.yaml"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "keymux",
	Short: "Credential-multiplexing proxy for generative AI APIs",
	Long: `keymux is a reverse proxy that spreads client requests across pools of
upstream API credentials (OpenAI, Anthropic, Google AI), translating between
API dialects, pacing keys around rate limits, and retiring credentials the
upstream rejects.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+" or ~/.config/keymux/"+defaultConfigFile+")")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
