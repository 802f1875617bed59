// Command apkdecode inspects Android APKs: their manifest, resource
// table and raw ZIP contents, without installing or executing them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newZapLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		// A broken logging config shouldn't take down a CLI whose job
		// is decoding a file the user handed it; fall back to a no-op.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetConfigName(".apkdecode")
	v.SetConfigType("toml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	v.SetDefault("verbose", false)
	v.SetDefault("indent", "  ")
	_ = v.ReadInConfig() // absence of a config file is not an error
	return v
}
