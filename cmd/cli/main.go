package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"polyglot-sandbox/internal/api"
	"polyglot-sandbox/internal/runtime"
)

var (
	serverURL string
	apiKey    string
	policy    string
	timeout   time.Duration
	language  string
	memoryMB  int64
	envVars   []string
	force     bool
	cancelAll bool
	listLang  string
	listState string
	listLimit int
)

func main() {
	root := &cobra.Command{
		Use:          "sandbox-cli",
		Short:        "CLI client for polyglot-sandbox",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in a sandbox (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, node, bash, go)")
	addExecFlags(execCmd)
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (detected from the file extension)")
	addExecFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	runtimesCmd := &cobra.Command{
		Use:   "runtimes [language]",
		Short: "Show runtimes and their load state",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuntimes,
	}
	root.AddCommand(runtimesCmd)

	root.AddCommand(&cobra.Command{
		Use:   "load [language]",
		Short: "Load a runtime ahead of use",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	})

	unloadCmd := &cobra.Command{
		Use:   "unload [language]",
		Short: "Unload an idle runtime",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnload,
	}
	unloadCmd.Flags().BoolVar(&force, "force", false, "Unload even if executions are running on it")
	root.AddCommand(unloadCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel a running execution",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().BoolVar(&cancelAll, "all", false, "Cancel every running execution")
	root.AddCommand(cancelCmd)

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show runtime memory and usage statistics",
		RunE:  simpleGet("/stats"),
	})

	root.AddCommand(&cobra.Command{
		Use:   "policies",
		Short: "Show the security policy levels",
		RunE:  simpleGet("/policies"),
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  simpleGet("/health"),
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listLang, "language", "", "Filter by language")
	listCmd.Flags().StringVar(&listState, "state", "", "Filter by final state")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum rows")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [execution-id]",
		Short: "Show one recorded execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleGet("/executions/" + url.PathEscape(args[0]))(cmd, args)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&policy, "policy", "p", "", "Security policy (strict, moderate, permissive)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout override")
	cmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit override in MB")
	cmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
}

func newClient() *client {
	return &client{baseURL: serverURL, apiKey: apiKey}
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return execute(cmd.OutOrStdout(), code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := language
	if lang == "" {
		ext := filepath.Ext(args[0])
		desc, ok := runtime.DefaultCatalog().ForExtension(ext)
		if !ok {
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
		lang = string(desc.Language)
	}

	return execute(cmd.OutOrStdout(), string(data), lang)
}

func execute(w io.Writer, code, lang string) error {
	req := api.ExecuteRequest{
		Language: lang,
		Code:     code,
		Policy:   policy,
		Env:      envVars,
	}
	if timeout > 0 || memoryMB > 0 {
		req.Overrides = &api.Overrides{TimeoutMS: timeout.Milliseconds(), MemoryLimitMB: memoryMB}
	}

	res, err := newClient().execute(req)
	if err != nil {
		return err
	}
	if err := printJSON(w, res); err != nil {
		return err
	}

	// Mirror the sandbox exit code; a blocked or killed run without one exits 1.
	switch {
	case res.ExitCode != 0:
		os.Exit(res.ExitCode)
	case !res.Success:
		os.Exit(1)
	}
	return nil
}

func runRuntimes(cmd *cobra.Command, args []string) error {
	path := "/runtimes"
	if len(args) == 1 {
		path += "/" + url.PathEscape(args[0])
	}
	return simpleGet(path)(cmd, args)
}

func runLoad(cmd *cobra.Command, args []string) error {
	var out any
	if err := newClient().do("POST", "/runtimes/"+url.PathEscape(args[0])+"/load", nil, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runUnload(cmd *cobra.Command, args []string) error {
	path := "/runtimes/" + url.PathEscape(args[0])
	if force {
		path += "?force=true"
	}
	if err := newClient().do("DELETE", path, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "unloaded %s\n", args[0])
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	var out any
	switch {
	case cancelAll:
		if err := newClient().do("POST", "/executions/cancel", nil, &out); err != nil {
			return err
		}
	case len(args) == 1:
		if err := newClient().do("DELETE", "/executions/"+url.PathEscape(args[0]), nil, &out); err != nil {
			return err
		}
	default:
		return fmt.Errorf("pass an execution id or --all")
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runList(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	if listLang != "" {
		q.Set("language", listLang)
	}
	if listState != "" {
		q.Set("state", listState)
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return simpleGet(path)(cmd, nil)
}

func simpleGet(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		var out any
		if err := newClient().do("GET", path, nil, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}
