package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "deepreport"}

	root.AddCommand(serveCMD(), migrateCMD(), reportCMD())
	_ = root.Execute()
}
