package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/phobologic/rootcause/internal/config"
)

const (
	sentinelStart = "# rootcause:start"
	sentinelEnd   = "# rootcause:end"
)

func newInitCmd() *cobra.Command {
	var dryRun, force bool
	cmd := &cobra.Command{
		Use:   "init [root]",
		Short: "Write a default config and ignore the snapshot store",
		Long: `Init writes ` + config.FileName + ` with the built-in defaults to root (default ".")
and adds the snapshot store directory to root/.gitignore. The .gitignore entry
is wrapped in sentinel comments so it can be updated in place on subsequent
runs without touching surrounding content.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, rootArg(args), dryRun, force)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying any file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(cmd *cobra.Command, root string, dryRun, force bool) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	cfg := config.Default()
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	cfgPath := filepath.Join(root, config.FileName)
	ignorePath := filepath.Join(root, ".gitignore")

	existing, err := os.ReadFile(ignorePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", ignorePath, err)
	}
	updated := applySection(string(existing), generateSection(cfg.Cache.Dir))

	if dryRun {
		_, _ = fmt.Fprintf(stdout, "--- %s\n%s--- %s\n%s", cfgPath, body, ignorePath, updated)
		return nil
	}

	if _, err := os.Stat(cfgPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	}
	if err := os.WriteFile(cfgPath, body, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", cfgPath, err)
	}
	if err := os.WriteFile(ignorePath, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", ignorePath, err)
	}

	_, _ = fmt.Fprintf(stderr, "wrote %s and updated %s\n", cfgPath, ignorePath)
	return nil
}

// generateSection returns the sentinel-wrapped .gitignore block for the
// snapshot store. The parent of a nested store dir is ignored as a whole.
func generateSection(storeDir string) string {
	dir := filepath.ToSlash(storeDir)
	if top, _, ok := strings.Cut(dir, "/"); ok && top != "" {
		dir = top
	}
	return sentinelStart + "\n/" + strings.TrimPrefix(dir, "/") + "/\n" + sentinelEnd
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not. It is a pure function for easy testing.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	// Append, ensuring a blank line separator.
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if len(content) == 0 {
		return section + "\n"
	}
	return content + "\n" + section + "\n"
}
