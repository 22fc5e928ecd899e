package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"nginx-module-rebuild/src/pkg/file_config"
)

func main() {
	configPath := flag.StringP("config", "c", os.Getenv("NGINX_MODULE_REBUILD_CONFIG"), "Path to YAML config file (default: built-in defaults)")
	outputFormat := flag.StringP("output", "o", "json", "Output format (yaml or json)")
	flag.Parse()

	validOutputFormats := []string{"json", "yaml"}
	if !slices.Contains(validOutputFormats, *outputFormat) {
		log.Fatalf("Invalid output format: %s. Valid formats: %v", *outputFormat, validOutputFormats)
	}

	// Query is the positional argument; without one the whole effective
	// config is printed.
	var query string
	if flag.NArg() > 0 {
		query = flag.Arg(0)
	}

	config, err := file_config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	rawConfig, err := file_config.RawConfig(config)
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	result := rawConfig
	if query != "" {
		result, err = file_config.QueryConfig(rawConfig, query)
		if err != nil {
			log.Fatalf("Error querying config: %v", err)
		}
	}

	switch *outputFormat {
	case "json":
		// Strings print without quotes, like jq -r
		if str, ok := result.(string); ok {
			fmt.Println(str)
			return
		}

		output, err := json.Marshal(result)
		if err != nil {
			log.Fatalf("Error marshaling query result: %v", err)
		}
		fmt.Println(string(output))
	case "yaml":
		output, err := yaml.Marshal(result)
		if err != nil {
			log.Fatalf("Error marshaling query result: %v", err)
		}
		fmt.Print(string(output))
	}
}
