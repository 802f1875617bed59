// Command apkrezip unpacks an APK and repackages it, a stand-in for the
// "modify files then rebuild the APK" step of manual analysis. It does
// not re-sign the result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/binlab/apkdecode/logx"
	"github.com/binlab/apkdecode/rezip"
)

func main() {
	var keepExtracted string

	cmd := &cobra.Command{
		Use:   "apkrezip INPUT.apk OUTPUT.apk",
		Short: "Extract an APK and repackage it into a new ZIP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logx.Printf(func(format string, a ...any) { fmt.Fprintf(os.Stderr, format+"\n", a...) })

			if keepExtracted == "" {
				return rezip.Repackage(args[0], "", args[1], log)
			}

			dir, err := rezip.Extract(args[0], keepExtracted, log)
			if err != nil {
				return err
			}
			return rezip.Compress(dir, args[1], log)
		},
	}
	cmd.Flags().StringVar(&keepExtracted, "extract-dir", "", "extract into a new subdirectory of this directory and keep it, instead of a removed temp dir")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
