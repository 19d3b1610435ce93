package cmd

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openagentos/agentos/internal/config"
	"github.com/openagentos/agentos/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentos doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Printf("  Listen:   %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Ledger.Path != "" {
		fmt.Printf("  Ledger:   sqlite (%s)\n", cfg.Ledger.Path)
	} else {
		fmt.Println("  Ledger:   in-memory (task history lost on restart)")
	}
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Tracing:  otlp (%s)\n", cfg.Telemetry.Endpoint)
	} else {
		fmt.Println("  Tracing:  disabled")
	}

	fmt.Println()
	fmt.Println("  Providers:")
	if len(cfg.Providers) == 0 {
		fmt.Println("    (none configured; spawned tasks will fail)")
	}
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Providers[name]
		var models []string
		for _, m := range p.Models {
			models = append(models, fmt.Sprintf("%s(%s)", m.Name, m.Type))
		}
		fmt.Printf("    %-16s %s key=%s models=[%s]\n",
			name+":", p.AdapterType, maskKey(p.APIKey), strings.Join(models, ", "))
	}

	if !cfg.HasLLM() {
		fmt.Println()
		fmt.Println("  WARNING: no llm models configured; add a provider with a model of type \"llm\"")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func maskKey(apiKey string) string {
	if apiKey == "" {
		return "(not set)"
	}
	if len(apiKey) <= 8 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
}
