package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-plugbot/internal/bot"
	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/doctor"
	"github.com/basket/go-plugbot/internal/telemetry"
)

func runDoctorCommand(ctx context.Context, args []string, stdout io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: plugbot doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	}

	diag := doctor.Run(ctx, &cfg, Version, bot.DefaultRuntimes(telemetry.Discard())...)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	st := newStyles(stdout)
	fmt.Fprintln(stdout, st.header.Render(fmt.Sprintf("plugbot doctor report (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "%-4s %-12s %s\n", st.status(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "     %s\n", st.dim.Render(res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
