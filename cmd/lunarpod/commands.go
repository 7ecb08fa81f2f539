package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/lunarpod"
	"github.com/loykin/lunarpod/pkg/client"
)

// apiClient resolves the daemon url: --api-url, then the config file's
// server section, then the client default.
func apiClient(flags *GlobalFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Timeout = flags.APITimeout
	caCert := flags.CACert
	switch {
	case flags.APIUrl != "":
		cfg.BaseURL = flags.APIUrl
	case flags.ConfigPath != "":
		c, err := lunarpod.LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		cfg.BaseURL = baseURL(c.Server.Listen, c.Server.BasePath, c.Server.TLS.Enabled)
		if c.Server.TLS.Enabled && caCert == "" {
			caCert = c.Server.TLS.CACertPath()
		}
	}
	if caCert != "" || flags.Insecure {
		cfg.TLS = &client.TLSClientConfig{CACert: caCert, SkipVerify: flags.Insecure}
	}
	return client.New(cfg), nil
}

// baseURL turns a listen address into a url a local client can reach.
func baseURL(listen, basePath string, secure bool) string {
	scheme := "http://"
	if secure {
		scheme = "https://"
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return scheme + listen + basePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + net.JoinHostPort(host, port) + basePath
}

// parseArgs accepts an optional JSON document as command arguments.
func parseArgs(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := strings.TrimSpace(strings.Join(args, " "))
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("arguments must be a JSON document: %s", raw)
	}
	return json.RawMessage(raw), nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// printResult prints a command result and turns a failed result into an
// error so the exit code reflects it.
func printResult(w io.Writer, r client.Result) error {
	if err := printJSON(w, r); err != nil {
		return err
	}
	if !r.OK() {
		return fmt.Errorf("%s: %s", r.Command, r.Error)
	}
	return nil
}

func createPingCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "pong")
			return err
		},
	}
}

func createPodsCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pods",
		Short: "List, create and remove pods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			pods, err := c.Pods(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pods)
		},
	}

	newFlags := &NewPodFlags{}
	newCmd := &cobra.Command{
		Use:   "new [id]",
		Short: "Create a pod, optionally bootstrapped up to a component",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			ref, err := c.NewPod(cmd.Context(), id, newFlags.Component)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ref)
		},
	}
	newCmd.Flags().StringVar(&newFlags.Component, "component", "", "bootstrap up to libp2p, ipfs or orbitdb")

	rmCmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Stop and remove a pod",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := c.RemovePod(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pod %s removed\n", args[0])
			return err
		},
	}

	cmd.AddCommand(newCmd, rmCmd)
	return cmd
}

func createPodCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pod",
		Short: "Inspect, drive and query one pod",
	}

	statusCmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show pod status and components",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			st, err := c.GetPod(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec <id> <command> [json-args]",
		Short: "Run a pod command (peerId, peers, multiaddrs, connections, protocols, dial, dialProtocol, addJSON, getJSON)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseArgs(args[2:])
			if err != nil {
				return err
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			res, err := c.Execute(cmd.Context(), args[0], args[1], payload)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.AddCommand(statusCmd, execCmd)
	for _, action := range []string{"init", "start", "stop", "restart"} {
		cmd.AddCommand(createLifecycleCommand(flags, action))
	}
	return cmd
}

func createLifecycleCommand(flags *GlobalFlags, action string) *cobra.Command {
	lf := &LifecycleFlags{}
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: fmt.Sprintf("Run %s on a pod component (default all)", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			st, err := c.PodAction(cmd.Context(), args[0], action, lf.Component)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&lf.Component, "component", "", "libp2p, ipfs, orbitdb or all")
	return cmd
}

func createOpenCommand(flags *GlobalFlags) *cobra.Command {
	of := &OpenFlags{}
	cmd := &cobra.Command{
		Use:   "open [name]",
		Short: "Open a database, or list open databases without a name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				names, err := c.OpenDbs(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), names)
			}
			info, err := c.Open(cmd.Context(), client.OpenRequest{
				Name:      args[0],
				Type:      of.Type,
				OrbitDbID: of.OrbitDbID,
				IndexBy:   of.IndexBy,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&of.Type, "type", "", "events, keyvalue or documents")
	cmd.Flags().StringVar(&of.OrbitDbID, "orbitdb-id", "", "reuse the pod whose orbitdb has this identity")
	cmd.Flags().StringVar(&of.IndexBy, "index-by", "", "document key field for documents databases")
	return cmd
}

func createCloseCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "close <name>",
		Short: "Close a database and remove its pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := c.CloseDb(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "database %s closed\n", args[0])
			return err
		},
	}
}

func createDbCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and query an open database",
	}

	infoCmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Describe an open database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			info, err := c.GetDb(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec <name> <operation> [json-args]",
		Short: "Run a database operation (add, put, get, del, all, query)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseArgs(args[2:])
			if err != nil {
				return err
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			res, err := c.Operation(cmd.Context(), args[0], args[1], payload)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.AddCommand(infoCmd, execCmd)
	return cmd
}

func createLogBooksCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logbooks",
		Short: "List logbooks with their sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			books, err := c.LogBooks(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), books)
		},
	}
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	lf := &LogFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show log entries across logbooks, or of one with --book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			q := client.LogQuery{Level: lf.Level, Pod: lf.Pod, Process: lf.Process, Last: lf.Last}
			var entries []client.LogEntry
			if lf.Book != "" {
				entries, err = c.LogBook(cmd.Context(), lf.Book, q)
			} else {
				entries, err = c.Logs(cmd.Context(), q)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&lf.Book, "book", "", "logbook name (libp2p, ipfs, orbitdb, db, pod, podbay, server, system)")
	cmd.Flags().StringVar(&lf.Level, "level", "", "debug, info, warning or error")
	cmd.Flags().StringVar(&lf.Pod, "pod", "", "pod id")
	cmd.Flags().StringVar(&lf.Process, "process", "", "process id, e.g. libp2p-p1")
	cmd.Flags().IntVar(&lf.Last, "last", 0, "only the newest n entries")
	return cmd
}
