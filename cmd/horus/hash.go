// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apptanksas/horus-sync-go/horus"
)

func newHashCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "hash name=value...",
		Short: "Print the canonical hash of a set of attributes",
		Long: `Print the hash the sync engine computes for a record with the given attributes.

Values are read as JSON literals (1, 2.5, true, null) and fall back to strings.
With --strings the arguments are hashed as plain strings instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if plain {
				fmt.Fprintln(cmd.OutOrStdout(), horus.HashStrings(args))
				return nil
			}
			attrs, err := parseAttributes(args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), horus.HashAttributes(attrs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "strings", false, "hash the arguments as plain strings")
	return cmd
}

func parseAttributes(args []string) ([]horus.Attribute, error) {
	attrs := make([]horus.Attribute, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected name=value", arg)
		}
		var v horus.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = horus.StringValue(raw)
		}
		attrs = append(attrs, horus.Attribute{Name: name, Value: v})
	}
	return attrs, nil
}
