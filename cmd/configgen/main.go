package main

import (
	"flag"
	"os"

	"github.com/danmuck/dsplink/internal/config"
	"github.com/danmuck/dsplink/internal/logging"
)

func defaultPath(role string) string {
	return "cmd/dsplinkd/" + role + ".toml"
}

func main() {
	logging.ConfigureRuntime()

	role := flag.String("role", "gpp", "config role: gpp|dsp")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-role cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*role)
		}
		cfg, err := config.Load(path)
		if err != nil {
			logging.Errf("configgen validate path=%s err=%v", path, err)
			os.Exit(1)
		}
		layout, _ := cfg.Layout()
		logging.Infof("configgen validated role=%s path=%s region_bytes=%d", cfg.Role, path, layout.TotalSize)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*role)
	}
	if err := config.WriteTemplate(target, *role, *force); err != nil {
		logging.Errf("configgen write path=%s err=%v", target, err)
		os.Exit(1)
	}
	logging.Infof("configgen wrote role=%s path=%s", *role, target)
}
