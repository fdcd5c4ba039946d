package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"wasm-kata-runner/internal/config"
	"wasm-kata-runner/internal/wasmvm"
)

var (
	serverURL  string
	apiKey     string
	configPath string
	jsonOut    bool
	verbose    bool
	listStatus string
	listLimit  int
)

// runResponse mirrors the server's run payload.
type runResponse struct {
	ID       string   `json:"id"`
	Output   []string `json:"output"`
	Success  bool     `json:"success"`
	Status   string   `json:"status"`
	Duration string   `json:"duration"`
	Warnings []struct {
		Pattern string `json:"pattern"`
		Detail  string `json:"detail"`
	} `json:"warnings"`
}

func main() {
	root := &cobra.Command{
		Use:          "kata-cli",
		Short:        "CLI client for wasm-kata-runner",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("KATA_API_KEY"), "API key")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON responses")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "run [code]",
		Short: "Run kata code on the server (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCode,
	})

	root.AddCommand(&cobra.Command{
		Use:   "run-file <file>",
		Short: "Run a kata solution file on the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runFile,
	})

	localCmd := &cobra.Command{
		Use:   "local <file>",
		Short: "Run a kata solution in-process, without a server",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocal,
	}
	localCmd.Flags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file (defaults plus KATA_* env when empty)")
	root.AddCommand(localCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (passed, failed, error)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum runs to list")
	root.AddCommand(listCmd)

	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func client(timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(serverURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetHeader("X-API-Key", apiKey)
	}
	return c
}

func runCode(_ *cobra.Command, args []string) error {
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

	return submit(code)
}

func runFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return submit(string(data))
}

func submit(code string) error {
	// The first run on a fresh server downloads and boots the guest.
	resp, err := client(5 * time.Minute).R().
		SetBody(map[string]string{"code": code}).
		Post("/run")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}

	if jsonOut {
		printJSON(resp.Body())
	}
	var result runResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !jsonOut {
		printRun(result.Output, result.Status, result.Duration)
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Pattern, w.Detail)
		}
	}

	exitFor(result.Status)
	return nil
}

func runLocal(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return err
	}

	backend, err := wasmvm.NewBackend(cfg, nil, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := backend.Runner.Run(ctx, string(data))
	if cerr := backend.Close(context.WithoutCancel(ctx)); cerr != nil {
		log.Warn().Err(cerr).Msg("closing backend")
	}
	if err != nil {
		return err
	}

	if jsonOut {
		b, _ := json.Marshal(result)
		printJSON(b)
	} else {
		printRun(result.Output, result.Status(), result.Duration.String())
	}

	exitFor(result.Status())
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := client(10 * time.Second).R().Get("/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	printJSON(resp.Body())
	if resp.IsError() {
		return fmt.Errorf("server unhealthy: %s", resp.Status())
	}
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	req := client(10*time.Second).R().SetQueryParam("limit", fmt.Sprint(listLimit))
	if listStatus != "" {
		req.SetQueryParam("status", listStatus)
	}

	resp, err := req.Get("/runs")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
	printJSON(resp.Body())
	return nil
}

func printRun(output []string, status, duration string) {
	for _, line := range output {
		fmt.Println(line)
	}
	fmt.Fprintf(os.Stderr, "\n%s in %s\n", strings.ToUpper(status), duration)
}

func printJSON(body []byte) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return
	}
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

// exitFor maps a run status to the process exit code: 0 passed, 1 failed,
// 2 error.
func exitFor(status string) {
	switch status {
	case "passed":
		return
	case "failed":
		os.Exit(1)
	default:
		os.Exit(2)
	}
}
