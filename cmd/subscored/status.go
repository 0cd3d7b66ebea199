// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's health",
		Long:  `Query the observability server's liveness and readiness endpoints over HTTP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "observability server address (defaults to config's observability_addr)")

	return cmd
}

func runStatus(cmd *cobra.Command, addr string) error {
	if addr == "" {
		cfg, err := loadStatusConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg
	}

	client := &http.Client{Timeout: 3 * time.Second}

	live, liveErr := probe(client, addr, "/healthz/liveness")
	ready, readyErr := probe(client, addr, "/healthz/readiness")

	cmd.Printf("liveness:  %s\n", statusLine(live, liveErr))
	cmd.Printf("readiness: %s\n", statusLine(ready, readyErr))

	if liveErr != nil || readyErr != nil || !live || !ready {
		return oops.Code("STATUS_UNHEALTHY").Errorf("subscored at %s is not fully healthy", addr)
	}
	return nil
}

func loadStatusConfig(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.ObservabilityAddr, nil
}

func probe(client *http.Client, addr, path string) (bool, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK, nil
}

func statusLine(ok bool, err error) string {
	if err != nil {
		return "unreachable (" + err.Error() + ")"
	}
	if ok {
		return "ok"
	}
	return "unhealthy"
}
