package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/gpuhost/internal/config"
	"github.com/breeze-rmm/gpuhost/internal/diagnostics"
	"github.com/breeze-rmm/gpuhost/internal/gpudata"
	"github.com/breeze-rmm/gpuhost/internal/gpuprocess"
	"github.com/breeze-rmm/gpuhost/internal/health"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	keyStyle   = lipgloss.NewStyle().Width(28).Foreground(lipgloss.Color("8"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var (
	guilt    string
	kindFlag string
	jsonOut  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show GPU status from a running host",
	RunE: func(cmd *cobra.Command, args []string) error {
		var gpu struct {
			gpudata.Snapshot
			Hosts    []gpuprocess.HostStatus `json:"hosts"`
			Counters *gpuprocess.Counters    `json:"counters"`
		}
		if err := diagRequest(cmd.Context(), http.MethodGet, "/gpu", nil, &gpu); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), gpu)
		}
		var hc struct {
			Status health.Status  `json:"status"`
			Checks []health.Check `json:"checks"`
		}
		if err := diagRequest(cmd.Context(), http.MethodGet, "/health", nil, &hc); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render("GPU"))
		row(out, "Device", gpu.Info.GPU.String())
		row(out, "Driver", strings.TrimSpace(gpu.Info.DriverVendor+" "+gpu.Info.DriverVersion))
		row(out, "OS", fmt.Sprintf("%s %s", gpu.OS.Type, gpu.OS.Version))
		access := goodStyle.Render("allowed")
		if !gpu.AccessAllowed {
			access = badStyle.Render("denied: " + gpu.AccessReason)
		}
		row(out, "GPU access", access)
		row(out, "Hardware acceleration", styleBool(gpu.HardwareEnabled))
		row(out, "SwiftShader", fmt.Sprint(gpu.UseSwiftShader))

		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Features"))
		names := make([]string, 0, len(gpu.FeatureStatus))
		for n := range gpu.FeatureStatus {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			row(out, n, styleFeature(gpu.FeatureStatus[n]))
		}
		if len(gpu.Workarounds) > 0 {
			row(out, "Driver bug workarounds", strings.Join(gpu.Workarounds, ", "))
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Processes"))
		if gpu.Counters != nil {
			row(out, "Crashes (total/recent)", fmt.Sprintf("%d/%d", gpu.Counters.GPUCrashCount, gpu.Counters.RecentCrashCount))
			row(out, "SwiftShader crashes", fmt.Sprint(gpu.Counters.SwiftShaderCrashCount))
		}
		if len(gpu.Hosts) == 0 {
			row(out, "Hosts", "none")
		}
		for _, h := range gpu.Hosts {
			row(out, fmt.Sprintf("Host %d (%s)", h.ID, h.Kind), fmt.Sprintf("%s pid=%d", h.State, h.PID))
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Health: ")+styleHealth(hc.Status))
		for _, c := range hc.Checks {
			row(out, c.Name, styleHealth(c.Status)+" "+c.Message)
		}
		return nil
	},
}

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "List, block or unblock domains for 3D APIs",
}

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []struct {
			Domain string `json:"domain"`
			Guilt  string `json:"guilt"`
		}
		if err := diagRequest(cmd.Context(), http.MethodGet, "/domains", nil, &entries); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), goodStyle.Render("no blocked domains"))
			return nil
		}
		for _, e := range entries {
			row(cmd.OutOrStdout(), e.Domain, warnStyle.Render(e.Guilt))
		}
		return nil
	},
}

var domainsBlockCmd = &cobra.Command{
	Use:   "block <url>",
	Short: "Block a domain from 3D APIs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return domainAction(cmd, "/domains/block", diagnostics.DomainRequest{URL: args[0], Guilt: guilt})
	},
}

var domainsUnblockCmd = &cobra.Command{
	Use:   "unblock <url>",
	Short: "Unblock a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return domainAction(cmd, "/domains/unblock", diagnostics.DomainRequest{URL: args[0]})
	},
}

func domainAction(cmd *cobra.Command, path string, req diagnostics.DomainRequest) error {
	var resp map[string]string
	if err := diagRequest(cmd.Context(), http.MethodPost, path, req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", strings.TrimPrefix(path, "/domains/")+"ed", resp["domain"])
	return nil
}

var crashCmd = &cobra.Command{
	Use:   "crash",
	Short: "Make the GPU process crash (testing)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, "/gpu/crash")
	},
}

var hangCmd = &cobra.Command{
	Use:   "hang",
	Short: "Make the GPU process hang until its watchdog fires (testing)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, "/gpu/hang")
	},
}

func sendControl(cmd *cobra.Command, path string) error {
	if _, err := gpuprocess.ParseKind(kindFlag); err != nil {
		return err
	}
	var resp map[string]string
	if err := diagRequest(cmd.Context(), http.MethodPost, path+"?kind="+kindFlag, nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s GPU process\n", resp["sent"], resp["kind"])
	return nil
}

func init() {
	domainsBlockCmd.Flags().StringVar(&guilt, "guilt", "known", "guilt: known or unknown")
	domainsCmd.AddCommand(domainsListCmd, domainsBlockCmd, domainsUnblockCmd)

	for _, c := range []*cobra.Command{crashCmd, hangCmd} {
		c.Flags().StringVar(&kindFlag, "kind", "sandboxed", "process kind: sandboxed or unsandboxed")
	}
	statusCmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON")
	domainsListCmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON")
}

// diagRequest calls the local diagnostics endpoint and decodes the reply.
func diagRequest(ctx context.Context, method, path string, body, out any) error {
	addr := diagAddr
	if addr == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		addr = cfg.DiagnosticsAddr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gpuhost not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	// /health answers 503 with a body when unhealthy.
	if resp.StatusCode >= 400 && !(path == "/health" && resp.StatusCode == http.StatusServiceUnavailable) {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func row(w io.Writer, key, value string) {
	fmt.Fprintln(w, keyStyle.Render(key)+value)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func styleBool(b bool) string {
	if b {
		return goodStyle.Render("yes")
	}
	return badStyle.Render("no")
}

func styleFeature(status string) string {
	switch status {
	case gpudata.StatusEnabled:
		return goodStyle.Render(status)
	case gpudata.StatusSoftware:
		return warnStyle.Render(status)
	default:
		return badStyle.Render(status)
	}
}

func styleHealth(s health.Status) string {
	switch s {
	case health.Healthy:
		return goodStyle.Render(string(s))
	case health.Degraded:
		return warnStyle.Render(string(s))
	default:
		return badStyle.Render(string(s))
	}
}
