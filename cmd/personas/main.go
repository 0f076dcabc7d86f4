// Command personas lists the avatar personas and replicas visible to the
// configured API key, to pick catalog selector values.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harunnryd/duplex/pkg/config"
	"github.com/harunnryd/duplex/pkg/configutil"
	"github.com/harunnryd/duplex/pkg/providers/tavus"
)

type catalogSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	apiKey := flag.String("api_key", "", "Tavus API key; overrides catalog.settings.api_key")
	flag.Parse()

	settings, err := loadSettings(*configPath)
	if err != nil && *apiKey == "" {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *apiKey != "" {
		settings.APIKey = *apiKey
	}
	if err := configutil.RequireString(settings.APIKey, "catalog.settings.api_key"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client := tavus.NewClient(settings.APIKey)
	if settings.BaseURL != "" {
		client.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := list(ctx, client); err != nil {
		fmt.Fprintln(os.Stderr, "catalog error:", err)
		os.Exit(1)
	}
}

// loadSettings reads catalog.settings, falling back to the avatar vendor
// settings which usually carry the same key.
func loadSettings(path string) (catalogSettings, error) {
	var out catalogSettings
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return out, err
	}
	src := cfg.Catalog.Settings
	if _, ok := configutil.Lookup(src, "api_key"); !ok {
		src = cfg.Vendors.Avatar.Settings
	}
	if err := configutil.DecodeSettings(src, &out); err != nil {
		return out, err
	}
	return out, nil
}

func list(ctx context.Context, client *tavus.Client) error {
	personas, err := client.ListPersonas(ctx)
	if err != nil {
		return err
	}
	replicas, err := client.ListReplicas(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERSONA ID\tNAME\tDEFAULT REPLICA")
	for _, p := range personas {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.ReplicaID)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "REPLICA ID\tNAME\tSTATUS")
	for _, r := range replicas {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, r.Status)
	}
	return w.Flush()
}
