// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/rangerd/pkg/server"
)

var (
	statsPort         string
	statsPassword     string
	promptForPassword bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a rangerd server",
	Long: `stats queries a rangerd server's stats endpoint.

If the host is omitted, the local rangerd server will be queried,
using the metrics address and stats password from its configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
		} else {
			// Use the options from the local server's configuration.
			bind := viper.GetString("metrics.bind")
			if bind == "" {
				return errors.New("The local server does not serve stats; set metrics.bind")
			}
			if _, port, err := net.SplitHostPort(bind); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local stats port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			statsPassword = viper.GetString("server.statsPassword")
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", "9090", "port of the stats endpoint to query")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")

	viper.SetDefault("server.statsPassword", "")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("RANGERD_STATS_PASSWORD")
	}

	statsAddr := net.JoinHostPort(statsHost, statsPort)
	req, err := http.NewRequest(http.MethodGet, "http://"+statsAddr+"/stats", nil)
	if err != nil {
		return errors.Wrap(err, "Request stats")
	}
	if statsPassword != "" {
		req.Header.Set("Authorization", "Bearer "+statsPassword)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Connect to rangerd server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("Server returned an error: %s", resp.Status)
	}

	var stats server.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Get stats response from server")
	}

	fmt.Printf(`Stats for %s:
Uptime: %s
Coordinator: %s

Number of devices: %d
Max devices: %d on %s
`, statsAddr, stats.Uptime,
		stats.State,
		stats.NumDevices,
		stats.MaxDevices, stats.MaxDevicesTime)
	for _, d := range stats.Devices {
		addr := d.Addr
		if d.Host != "" {
			addr = d.Host
		}
		fmt.Printf("  %d: %s from %s, last seen %s\n", d.Index, d.Identity, addr, d.LastSeen.Format(time.Stamp))
		if d.LastReport != "" {
			fmt.Printf("     %s\n", strings.ReplaceAll(d.LastReport, "\n", "; "))
		}
	}
	return nil
}
