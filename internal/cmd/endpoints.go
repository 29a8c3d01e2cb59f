package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/X1-Ledgersync/pkg/rpcpool"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Probe every configured RPC endpoint once and print its health",
	RunE:  runEndpoints,
}

var endpointsJSON bool

func init() {
	rootCmd.AddCommand(endpointsCmd)

	endpointsCmd.Flags().BoolVar(&endpointsJSON, "json", false, "Print JSON instead of a table")
}

func runEndpoints(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	infos, err := a.svc.ProbeEndpoints(cmd.Context())
	if err != nil {
		return err
	}
	if endpointsJSON {
		return printJSON(cmd.OutOrStdout(), infos)
	}
	return printEndpoints(cmd.OutOrStdout(), infos)
}

func printEndpoints(w io.Writer, infos []rpcpool.EndpointInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tHEALTHY\tFAILURES\tLAST CHECK\tLAST ERROR")
	for _, info := range infos {
		checked := "-"
		if !info.LastCheck.IsZero() {
			checked = info.LastCheck.Format(time.RFC3339)
		}
		lastErr := info.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%s\n", info.URL, info.Healthy, info.ConsecutiveFailures, checked, lastErr)
	}
	return tw.Flush()
}
