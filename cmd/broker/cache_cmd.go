package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// Database file names, matching internal/broker.New's unexported
// generalCacheFile/fileCacheFile constants. Duplicated here (rather than
// exported from internal/broker) since only this diagnostic command needs
// the on-disk paths directly.
const (
	generalCacheFileName = "general.db"
	fileCacheFileName    = "files.db"
)

// cacheKinds lists every "kind" the General Cache stores rows under,
// gathered from the Remote Client's cache.Put call sites, plus the lineage
// recorder's "image" nodes and the "registry_token" rows read by
// registryauth. cache show
// reports a count per kind so an operator can see which lookups are
// actually being cached without reading the database directly.
var cacheKinds = []string{
	"operation",
	"image",
	"file_exists",
	"file_exists_by_hash",
	"file_by_hash",
	"file_exists_by_uuid",
	"list_dir",
	"list_dir_text",
	"read_file",
	"registry_token",
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the on-disk caches",
	}

	cmd.AddCommand(newCacheShowCmd())
	cmd.AddCommand(newCacheGCCmd())

	return cmd
}

type cacheKindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

type cacheFileInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

type cacheShowOutput struct {
	General     []cacheKindCount `json:"general"`
	Directories int              `json:"directories"`
	Files       int              `json:"files"`
	DBFiles     []cacheFileInfo  `json:"db_files"`
}

func newCacheShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show row counts for the General Cache and File Cache",
		RunE:  runCacheShow,
	}
}

func runCacheShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	out := cacheShowOutput{General: make([]cacheKindCount, 0, len(cacheKinds))}

	for _, kind := range cacheKinds {
		n, err := cc.Broker.GeneralCache.Count(ctx, kind)
		if err != nil {
			return fmt.Errorf("counting kind %s: %w", kind, err)
		}

		out.General = append(out.General, cacheKindCount{Kind: kind, Count: n})
	}

	stats, err := cc.Broker.FileCache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading file cache stats: %w", err)
	}

	out.Directories = stats.DirectoryStateCount
	out.Files = stats.FileCount
	out.DBFiles = statCacheFiles(cc.Broker.Cfg.Cache.Dir)

	if cc.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printCacheShowText(out)

	return nil
}

// statCacheFiles reports size and modification time for each SQLite file
// under dir, skipping any that haven't been created yet (e.g. a brand new
// cache directory before the first write).
func statCacheFiles(dir string) []cacheFileInfo {
	var infos []cacheFileInfo

	for _, name := range []string{generalCacheFileName, fileCacheFileName} {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		infos = append(infos, cacheFileInfo{Name: name, Size: fi.Size(), ModifiedAt: fi.ModTime()})
	}

	return infos
}

func printCacheShowText(out cacheShowOutput) {
	fmt.Println("General cache:")

	rows := make([][]string, 0, len(out.General))
	for _, kc := range out.General {
		rows = append(rows, []string{kc.Kind, fmt.Sprintf("%d", kc.Count)})
	}

	printTable(os.Stdout, []string{"KIND", "ROWS"}, rows)

	fmt.Println()
	fmt.Println("File cache:")
	printTable(os.Stdout, []string{"DIRECTORIES", "FILES"}, [][]string{
		{fmt.Sprintf("%d", out.Directories), fmt.Sprintf("%d", out.Files)},
	})

	if len(out.DBFiles) == 0 {
		return
	}

	fmt.Println()
	fmt.Println("Database files:")

	dbRows := make([][]string, 0, len(out.DBFiles))
	for _, f := range out.DBFiles {
		dbRows = append(dbRows, []string{f.Name, formatSize(f.Size), formatTime(f.ModifiedAt)})
	}

	printTable(os.Stdout, []string{"FILE", "SIZE", "MODIFIED"}, dbRows)
}

func newCacheGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run the retention sweep on both caches immediately",
		Long: "Deletes cache rows older than the configured retention window, the same sweep " +
			"that runs automatically in the background. Useful to reclaim disk space on demand.",
		RunE: runCacheGC,
	}
}

func runCacheGC(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	if err := cc.Broker.GeneralCache.Retain(ctx); err != nil {
		return fmt.Errorf("sweeping general cache: %w", err)
	}

	if err := cc.Broker.FileCache.Retain(ctx); err != nil {
		return fmt.Errorf("sweeping file cache: %w", err)
	}

	if !cc.Quiet {
		fmt.Println("cache gc: done")
	}

	return nil
}
