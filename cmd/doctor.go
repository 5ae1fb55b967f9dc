package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := config.ExpandHome(resolveConfigPath())
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  LLM:")
	fmt.Printf("    %-12s %s\n", "Model:", cfg.LLM.DefaultModel)
	checkSecret("API key", cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		fmt.Printf("    %-12s %s\n", "Base URL:", cfg.LLM.BaseURL)
	}

	fmt.Println()
	fmt.Println("  Database:")
	driver := cfg.Database.Driver
	if driver == "" {
		driver = "sqlite"
	}
	fmt.Printf("    %-12s %s\n", "Driver:", driver)
	switch driver {
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-12s AGENTD_POSTGRES_DSN not set\n", "Status:")
		} else if db, err := pg.OpenDB(cfg.Database.PostgresDSN); err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
			db.Close()
		}
	case "sqlite":
		fmt.Printf("    %-12s %s\n", "Path:", config.ExpandHome(cfg.Database.SQLitePath))
	}

	fmt.Println()
	fmt.Println("  Event fabric:")
	if cfg.KV.URL != "" {
		fmt.Printf("    %-12s redis (%s)\n", "Backend:", cfg.KV.URL)
	} else {
		fmt.Printf("    %-12s in-process\n", "Backend:")
	}

	fmt.Println()
	fmt.Println("  Tools:")
	fmt.Printf("    %-12s %v (restrict: %v)\n", "Shell:", true, cfg.Tools.Shell.Restrict)
	fmt.Printf("    %-12s %v\n", "Web:", cfg.Tools.Web.Enabled)
	fmt.Printf("    %-12s %v\n", "Browser:", cfg.Tools.Browser.Enabled)
	for _, srv := range cfg.Tools.MCP {
		status := "enabled"
		if srv.Disabled {
			status = "disabled"
		}
		fmt.Printf("    %-12s %s (%s, %s)\n", "MCP:", srv.Name, srv.Transport, status)
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("git")

	fmt.Println()
	ws := config.ExpandHome(cfg.Sandbox.Workspace)
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND — created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not set)\n", name+":")
		return
	}
	masked := value
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
