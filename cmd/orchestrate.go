package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/ipc"
	"github.com/nextlevelbuilder/reswarm/internal/metrics"
	"github.com/nextlevelbuilder/reswarm/internal/orchestrator"
	"github.com/nextlevelbuilder/reswarm/internal/providers"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
)

var (
	ipcSessionDir string
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <database> <binary>",
	Short: "Run the orchestrator for one binary",
	Args:  cobra.ExactArgs(2),
	RunE:  runOrchestrate,
}

func init() {
	orchestrateCmd.Flags().StringVar(&ipcSessionDir, "ipc-dir", "", "serve an external driver over pipes in this directory")
	rootCmd.AddCommand(orchestrateCmd)
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	dbPath, binaryPath := args[0], args[1]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	binaryName := filepath.Base(binaryPath)
	ws := workspace.New(wsRoot, binaryName)

	provider := providers.NewAnthropicProvider(cfg.API.APIKey,
		providers.WithAuthMethod(cfg.API.AuthMethod),
		providers.WithBaseURL(cfg.API.BaseURL),
		providers.WithModel(cfg.Orchestrator.Model.Model),
	)

	var mets *metrics.Metrics
	if cfg.Profiling.Enabled {
		mets = metrics.New()
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:         cfg,
		Workspace:      ws,
		Provider:       provider,
		MainDBPath:     dbPath,
		MainBinaryPath: binaryPath,
		Metrics:        mets,
	})
	if err != nil {
		return err
	}
	if err := orch.Initialize(); err != nil {
		return err
	}
	defer orch.Shutdown()

	if ipcSessionDir != "" {
		return serveExternalDriver(orch, ipcSessionDir)
	}
	return interactiveSession(orch)
}

// interactiveSession reads user tasks from stdin until EOF.
func interactiveSession(orch *orchestrator.Orchestrator) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("reswarm orchestrator ready. Enter a task (EOF to quit).")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		result, err := orch.ProcessUserInput(context.Background(), input)
		if err != nil {
			slog.Error("task failed", "error", err)
			fmt.Printf("task failed: %v\n", err)
			continue
		}
		fmt.Println(result)
	}
}

// serveExternalDriver hands control to the pipe bridge.
func serveExternalDriver(orch *orchestrator.Orchestrator, dir string) error {
	bridge := ipc.NewBridge(dir)
	if err := bridge.CreatePipes(); err != nil {
		return err
	}

	err := bridge.Serve(func(req ipc.Request) (any, string, bool) {
		switch req.Method {
		case "start_task", "process_input":
			var params struct {
				Input string `json:"input"`
				Text  string `json:"text"`
			}
			if len(req.Params) > 0 {
				if err := json.Unmarshal(req.Params, &params); err != nil {
					return nil, fmt.Sprintf("bad params: %v", err), false
				}
			}
			input := params.Input
			if input == "" {
				input = params.Text
			}
			result, err := orch.ProcessUserInput(context.Background(), input)
			if err != nil {
				return nil, err.Error(), false
			}
			return map[string]string{"result": result}, "", false

		case "shutdown":
			return map[string]string{"status": "shutting_down"}, "", true

		default:
			return nil, fmt.Sprintf("unknown method %q", req.Method), false
		}
	})
	if err == ipc.ErrDriverClosed {
		slog.Info("external driver disconnected, orchestrator continuing")
		return nil
	}
	return err
}
