package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"stereodsm/internal/config"
	"stereodsm/internal/pipeline"
)

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/stereodsm/config.json"
	}
	fmt.Printf("Config file: %s\n\n", cfgPath)
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Printf("stereodsm %s\n", pipeline.Version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
	fmt.Printf("Backends: sequential, local, cluster\n")
	return nil
}
