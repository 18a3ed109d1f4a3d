// Command elproxy runs the EchoLink proxy daemon and a couple of
// operator/debug tools around it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "elproxy",
		Short: "EchoLink proxy daemon",
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "./", "Path to the directory containing the proxy's config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sniffCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
