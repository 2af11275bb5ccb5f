package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/kbsync/internal/config"
	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/service"
	"github.com/kalambet/kbsync/internal/watermark"
)

// --- sync ---

type syncResponse struct {
	Message          string `json:"message"`
	RunID            string `json:"run_id"`
	TicketsProcessed int    `json:"tickets_processed"`
	PreviousTime     string `json:"previous_time"`
	LastUpdateTime   string `json:"last_update_time"`
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull tickets changed since the last sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Syncing tickets...")
		resp, err := client.post(cmd.Context(), "/sync-tickets", nil)
		if err != nil {
			return err
		}

		var result syncResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("%s", result.Message)
		printStatus("Run", "%s", result.RunID)
		printStatus("Watermark", "%s → %s", result.PreviousTime, result.LastUpdateTime)
		return nil
	},
}

// --- ingest ---

type batchResponse struct {
	Outcome ingest.Outcome      `json:"outcome"`
	Results []ingest.FileResult `json:"results"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.pdf>...",
	Short: "Upload PDF documents into the documentation collection",
	Long: `Upload PDF documents into the documentation collection.

Each file is extracted, chunked and stored independently; one bad file does
not stop the others.

Examples:
  kbsync ingest ./manuals/vpn.pdf
  kbsync ingest ./manuals/*.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading %d file(s)...", len(args))
		res, err := uploadFiles(cmd, client, args)
		if err != nil {
			return err
		}
		printFileResults(res.Results)
		if res.Outcome == ingest.OutcomeFailure {
			return fmt.Errorf("no file was ingested")
		}
		return nil
	},
}

func uploadFiles(cmd *cobra.Command, client *apiClient, paths []string) (batchResponse, error) {
	var res batchResponse
	resp, err := client.upload(cmd.Context(), "/sync-multiple-pdfs", "files", paths)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func printFileResults(results []ingest.FileResult) {
	for _, r := range results {
		switch r.Kind {
		case ingest.KindSuccess:
			printSuccess("%s: %d chunk(s) stored", r.Filename, r.ChunksStored)
		case ingest.KindPartialWriteFailure:
			printWarning("%s: %d chunk(s) stored, %d failed", r.Filename, r.ChunksStored, r.ChunksFailed)
		default:
			printError("%s: %s (%s)", r.Filename, r.Kind, r.Error)
		}
	}
}

// --- watermark ---

var watermarkCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Show or move the ticket sync watermark",
}

var watermarkGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the last ticket update time",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/last-update-ticket-time")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Println(result["last_update_time"])
		return nil
	},
}

var watermarkSetCmd = &cobra.Command{
	Use:   "set <time>",
	Short: "Set the last ticket update time",
	Long: `Set the last ticket update time.

The next sync fetches tickets updated after this moment. Accepts RFC 3339
("2025-07-03T15:16:53Z") or "YYYY-MM-DD HH:MM:SS" in UTC.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := watermark.Parse(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/update-last-ticket-time",
			map[string]string{"last_update_time": watermark.Format(t)})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Last update time set to %s", result["last_update_time"])
		return nil
	},
}

func init() {
	watermarkCmd.AddCommand(watermarkGetCmd)
	watermarkCmd.AddCommand(watermarkSetCmd)
}

// --- collections ---

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List or clean vector store collections",
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections with their record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/list-collections")
		if err != nil {
			return err
		}
		var result struct {
			Collections []service.CollectionInfo `json:"collections"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Collections) == 0 {
			fmt.Println("No collections.")
			return nil
		}
		for _, c := range result.Collections {
			fmt.Printf("  %s %d\n", render(labelStyle, fmt.Sprintf("%-16s", c.Name)), c.Count)
		}
		return nil
	},
}

var collectionsCleanCmd = &cobra.Command{
	Use:   "clean [name]",
	Short: "Delete one collection, or all of them",
	Long: `Delete one collection, or all of them when no name is given.

Cleaning ticketData also resets the ticket sync watermark so the next sync
refetches everything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		if name == "" && !yes {
			return fmt.Errorf("refusing to delete every collection without --yes")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/clean-db?db_name="+url.QueryEscape(name), nil)
		if err != nil {
			return err
		}
		var result struct {
			Message string   `json:"message"`
			Deleted []string `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s: %s", result.Message, strings.Join(result.Deleted, ", "))
		return nil
	},
}

func init() {
	collectionsCleanCmd.Flags().Bool("yes", false, "confirm deleting every collection")
	collectionsCmd.AddCommand(collectionsListCmd)
	collectionsCmd.AddCommand(collectionsCleanCmd)
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show server log lines between two times",
	Long: `Show server log lines between two times.

Examples:
  kbsync logs --since 1h --level ERROR
  kbsync logs --start "2025-07-04 10:00:00" --end "2025-07-05 18:00:00"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		startRaw, _ := cmd.Flags().GetString("start")
		endRaw, _ := cmd.Flags().GetString("end")
		since, _ := cmd.Flags().GetDuration("since")
		levels, _ := cmd.Flags().GetStringSlice("level")

		start, end, err := logWindow(startRaw, endRaw, since, time.Now())
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("start_time", watermark.Format(start))
		q.Set("end_time", watermark.Format(end))
		for _, l := range levels {
			q.Add("levels", strings.ToUpper(l))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/logs-between?"+q.Encode())
		if err != nil {
			return err
		}
		var result struct {
			Logs []string `json:"logs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		for _, line := range result.Logs {
			fmt.Println(line)
		}
		return nil
	},
}

// logWindow resolves the --start/--end/--since flags. --since wins over
// --start; a missing end means now.
func logWindow(startRaw, endRaw string, since time.Duration, now time.Time) (time.Time, time.Time, error) {
	end := now.UTC()
	if endRaw != "" {
		t, err := watermark.Parse(endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
		}
		end = t
	}
	switch {
	case since > 0:
		return end.Add(-since), end, nil
	case startRaw != "":
		start, err := watermark.Parse(startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
		}
		return start, end, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("one of --start or --since is required")
	}
}

func init() {
	logsCmd.Flags().String("start", "", "window start (RFC 3339 or YYYY-MM-DD HH:MM:SS)")
	logsCmd.Flags().String("end", "", "window end, defaults to now")
	logsCmd.Flags().Duration("since", 0, "window length ending at --end, e.g. 2h")
	logsCmd.Flags().StringSlice("level", nil, "only these levels (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Semantic search over tickets and documentation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		collection, _ := cmd.Flags().GetString("collection")

		q := url.Values{}
		q.Set("q", query)
		q.Set("k", strconv.Itoa(limit))
		if collection != "" {
			q.Set("collection", collection)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}
		var result struct {
			Results []retrieval.Match `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, m := range result.Results {
			fmt.Printf("\n%s [%s, score: %.3f]\n", render(labelStyle, fmt.Sprintf("Result %d", i+1)), m.Collection, m.Score)
			if ref := matchRef(m); ref != "" {
				fmt.Printf("  %s\n", render(mutedStyle, ref))
			}
			fmt.Printf("  %s\n", truncate(m.Text, 500))
		}
		return nil
	},
}

func matchRef(m retrieval.Match) string {
	switch {
	case m.Metadata.TicketNumber != "":
		return strings.TrimSpace(m.Metadata.TicketNumber + " " + m.Metadata.URL)
	case m.Metadata.Filename != "":
		if m.Metadata.ChunkIndex != nil {
			return fmt.Sprintf("%s #%d", m.Metadata.Filename, *m.Metadata.ChunkIndex)
		}
		return m.Metadata.Filename
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func init() {
	queryCmd.Flags().Int("limit", 5, "maximum number of results")
	queryCmd.Flags().String("collection", "", "restrict to ticketData or documentation")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s %s\n", render(labelStyle, k.Key), k.Value, render(mutedStyle, "("+k.EnvVar+")"))
		}
		printStatus("File", "%s", config.FilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
