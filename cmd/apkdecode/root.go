package main

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/binlab/apkdecode"
	"github.com/binlab/apkdecode/logx"
)

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "apkdecode",
		Short:         "Decode Android APK manifests, resources and ZIP contents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cfg := loadConfig()

	openFacade := func(apkPath string) (*apkdecode.ApkFacade, error) {
		v := verbose || cfg.GetBool("verbose")
		log := logx.Zap(newZapLogger(v))
		return apkdecode.Open(apkPath, log)
	}

	root.AddCommand(
		newInfoCmd(openFacade),
		newManifestCmd(openFacade),
		newListCmd(openFacade),
		newExtractCmd(openFacade),
		newExtractAllCmd(openFacade),
		newLookupCmd(openFacade),
		newVerifyCmd(),
	)
	return root
}

type openFunc func(apkPath string) (*apkdecode.ApkFacade, error)

func newInfoCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "info APK",
		Short: "Print package name, version and main activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Printf("package:        %s\n", a.PackageName())
			fmt.Printf("versionName:    %s\n", a.VersionName())
			fmt.Printf("versionCode:    %d\n", a.VersionCode())
			fmt.Printf("appName:        %s\n", a.AppName())
			fmt.Printf("mainActivity:   %s\n", a.MainActivity())
			if icon, err := a.IconPath(); err == nil {
				fmt.Printf("icon:           %s\n", icon)
			}
			return nil
		},
	}
}

func newManifestCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest APK",
		Short: "Print the decoded AndroidManifest.xml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			enc := xml.NewEncoder(os.Stdout)
			enc.Indent("", "  ")
			if err := a.Manifest().Encode(enc); err != nil {
				return err
			}
			fmt.Println()
			return nil
		},
	}
}

func newListCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list APK",
		Short: "List every file recorded in the ZIP central directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			for _, name := range a.ListFiles() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newExtractCmd(open openFunc) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "extract APK ENTRY",
		Short: "Extract a single file from the APK",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.ExtractFile(args[1])
			if err != nil {
				return err
			}
			if out == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this path instead of stdout")
	return cmd
}

func newExtractAllCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "extract-all APK DESTDIR",
		Short: "Extract every file from the APK into DESTDIR",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()
			return a.ExtractAll(args[1])
		},
	}
}

func newLookupCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup APK RESID",
		Short: "Resolve a resource ID (hex or decimal) against the resource table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseResID(args[1])
			if err != nil {
				return err
			}

			values, err := a.LookupResource(id)
			if err != nil {
				return err
			}
			for _, v := range values {
				fmt.Println(v)
			}
			return nil
		},
	}
}

func parseResID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid resource id %q: %w", s, err)
	}
	return uint32(n), nil
}
