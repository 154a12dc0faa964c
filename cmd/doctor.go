package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/irc"
	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor <binary_name>",
	Short: "Check configuration, workspace and bus reachability for a binary",
	Args:  cobra.ExactArgs(1),
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	binaryName := args[0]
	ok := true

	check := func(label string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("  ✗ %s: %v\n", label, err)
			return
		}
		fmt.Printf("  ✓ %s\n", label)
	}

	fmt.Println("config:")
	cfg, err := config.Load(configPath)
	check("load", err)
	if err == nil {
		check("validate", cfg.Validate())
	}

	fmt.Println("bus:")
	port := irc.AllocatePort(binaryName)
	if port == 0 {
		ok = false
		fmt.Printf("  ✗ no free port in [%d,%d) for %q\n", irc.BasePort, irc.BasePort+irc.PortRange, binaryName)
	} else {
		fmt.Printf("  ✓ port %d available (hash of %q)\n", port, binaryName)
	}

	fmt.Println("workspace:")
	ws := workspace.New(wsRoot, binaryName)
	if info, err := os.Stat(ws.Dir()); err == nil && info.IsDir() {
		fmt.Printf("  ✓ previous session at %s (will be wiped on start)\n", ws.Dir())
		if _, err := os.Stat(ws.PreservedPath()); err == nil {
			fmt.Printf("  ✓ %s present (preserved across wipes)\n", workspace.PreservedFile)
		}
		if _, err := os.Stat(ws.LedgerPath()); err == nil {
			led, err := ledger.Open(ws.LedgerPath())
			check("ledger opens", err)
			if err == nil {
				led.Close()
			}
		}
	} else {
		fmt.Printf("  ✓ no previous session (%s)\n", ws.Dir())
	}

	if parent := filepath.Dir(ws.Dir()); parent != "" {
		f, err := os.CreateTemp(os.TempDir(), "reswarm-doctor-*")
		check("temp dir writable", err)
		if err == nil {
			f.Close()
			os.Remove(f.Name())
		}
	}

	if !ok {
		return fmt.Errorf("doctor found problems")
	}
	fmt.Println("all checks passed")
	return nil
}
