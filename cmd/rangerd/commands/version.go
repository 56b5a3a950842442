// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the version of rangerd.
var Version = "unset"

// Copyright is the copyright including authors of rangerd.
var Copyright = "Copyright © 2025 Niko Carpenter <niko@nikocarpenter.com>"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of rangerd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rangerd version %s (%s %s/%s)\n%s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH, Copyright)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
