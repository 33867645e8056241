package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/campusconnect/internal/api"
	"github.com/kalambet/campusconnect/internal/catalog"
	"github.com/kalambet/campusconnect/internal/config"
	"github.com/kalambet/campusconnect/internal/ingest"
	"github.com/kalambet/campusconnect/internal/profile"
	"github.com/kalambet/campusconnect/internal/retrieval"
	"github.com/kalambet/campusconnect/internal/storage"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search programs by description",
	Long: `Search programs by description. Put every constraint (country, level,
budget, field) in the query; no structured filters are applied.

Examples:
  campusconnect search "affordable nursing bachelor in Germany"
  campusconnect search "MSc data science Canada" --limit 5 --offset 5
  campusconnect search "MBA Toronto" --threshold 0.3 --exhaustive`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		exhaustive, _ := cmd.Flags().GetBool("exhaustive")
		asJSON, _ := cmd.Flags().GetBool("json")

		req := api.SearchRequest{
			QueryText:  strings.Join(args, " "),
			Offset:     offset,
			Exhaustive: exhaustive,
		}
		if cmd.Flags().Changed("limit") {
			req.Limit = &limit
		}
		if cmd.Flags().Changed("threshold") {
			t, _ := cmd.Flags().GetFloat64("threshold")
			req.Threshold = &t
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/search", req)
		if err != nil {
			return err
		}
		var res retrieval.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		renderSearch(cmd.OutOrStdout(), res, offset)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "page size (default: server setting)")
	searchCmd.Flags().Int("offset", 0, "number of ranked hits to skip")
	searchCmd.Flags().Float64("threshold", 0, "cosine distance cut-off for totals (default: server setting)")
	searchCmd.Flags().Bool("exhaustive", false, "scan every program instead of probing partitions")
	searchCmd.Flags().Bool("json", false, "print the raw result as JSON")
}

func renderSearch(w io.Writer, res retrieval.Result, offset int) {
	t := res.Totals
	fmt.Fprintf(w, "%s programs at %d schools in %d countries within distance %.2f\n",
		colorize(colorBold, fmt.Sprintf("%d", t.ProgramCount)), t.SchoolCount, t.CountryCount, t.ThresholdUsed)

	if len(res.Hits) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, h := range res.Hits {
		fmt.Fprintf(w, "\n%s %s [similarity: %.3f]\n",
			colorize(colorBold, fmt.Sprintf("%d.", offset+i+1)), h.Name, h.Similarity)
		place := joinNonEmpty(", ", h.SchoolName, h.SchoolCity, h.SchoolProvince, h.SchoolCountryCode)
		if place != "" {
			fmt.Fprintf(w, "   %s\n", place)
		}
		details := joinNonEmpty(" · ", h.ProgramLevel, tuitionLabel(h.Tuition, h.Currency))
		if details != "" {
			fmt.Fprintf(w, "   %s\n", details)
		}
		fmt.Fprintf(w, "   %s\n", colorize(colorCyan, h.ProgramID))
	}
	if res.NextOffset != nil {
		fmt.Fprintf(w, "\nMore results: --offset %d\n", *res.NextOffset)
	}
}

func tuitionLabel(tuition *float64, currency string) string {
	if tuition == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%.0f %s", *tuition, currency))
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Read and update student profiles",
}

var profileGetCmd = &cobra.Command{
	Use:   "get <email>",
	Short: "Show a profile with every known field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), profilePath(args[0]))
		if err != nil {
			return err
		}
		var view json.RawMessage
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create a profile if none exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/profiles", map[string]string{"email": args[0]})
		if err != nil {
			return err
		}
		var out api.ProfileResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if out.Created {
			printSuccess("Created profile %s for %s", out.DocID, out.Email)
		} else {
			printStatus(os.Stderr, "Exists", "profile %s for %s", out.DocID, out.Email)
		}
		return nil
	},
}

var profileMergeCmd = &cobra.Command{
	Use:   "merge <email>",
	Short: "Fill empty profile fields from a JSON patch",
	Long: `Fill empty profile fields from a JSON patch. Fields that already hold a
value are never overwritten.

Examples:
  campusconnect profile merge ada@example.com --patch '{"firstName":"Ada"}'
  campusconnect profile merge ada@example.com --file patch.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := readPatch(cmd)
		if err != nil {
			return err
		}
		if patch == nil {
			return fmt.Errorf("one of --patch or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), profilePath(args[0], "merge"), map[string]any{"candidatePatch": patch})
		if err != nil {
			return err
		}
		return reportMerge(cmd.OutOrStdout(), resp)
	},
}

var profileUploadCmd = &cobra.Command{
	Use:   "upload <email> <file>",
	Short: "Merge the text of a document (PDF or text) into a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		patch, err := readPatch(cmd)
		if err != nil {
			return err
		}

		body := map[string]any{
			"fileName":      filepath.Base(args[1]),
			"contentBase64": base64.StdEncoding.EncodeToString(data),
		}
		if patch != nil {
			body["candidatePatch"] = patch
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), profilePath(args[0], "documents"), body)
		if err != nil {
			return err
		}
		return reportMerge(cmd.OutOrStdout(), resp)
	},
}

func init() {
	for _, c := range []*cobra.Command{profileMergeCmd, profileUploadCmd} {
		c.Flags().String("patch", "", "JSON patch")
		c.Flags().String("file", "", "path to a JSON patch file")
	}
	profileCmd.AddCommand(profileGetCmd)
	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileMergeCmd)
	profileCmd.AddCommand(profileUploadCmd)
}

// readPatch returns the --patch or --file JSON, or nil when neither is set.
func readPatch(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("patch")
	file, _ := cmd.Flags().GetString("file")

	var raw []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--patch and --file are mutually exclusive")
	case inline != "":
		raw = []byte(inline)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading patch file: %w", err)
		}
		raw = data
	default:
		return nil, nil
	}
	if _, err := profile.Parse(raw); err != nil {
		return nil, fmt.Errorf("invalid JSON patch: %w", err)
	}
	return json.RawMessage(raw), nil
}

func reportMerge(w io.Writer, resp *http.Response) error {
	var out profile.MergeOutcome
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if out.Status == profile.StatusNoUpdate {
		printStatus(w, "No update", "profile %s already holds every field (version %d)", out.DocID, out.Version)
	} else {
		printStatus(w, "Updated", "profile %s to version %d", out.DocID, out.Version)
		for _, k := range sortedKeys(out.UpdatedFields) {
			printStatus(w, "  "+k, "%s", out.UpdatedFields[k].String())
		}
	}
	if len(out.Conflicts) > 0 {
		printStatus(w, "Conflicts", "%s", strings.Join(out.Conflicts, ", "))
	}
	return nil
}

func sortedKeys(m map[string]profile.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the local program catalog",
	Long: `Manage the local program catalog. These commands open the data directory
directly and do not need a running server.`,
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import programs from a YAML or JSON catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		embed, _ := cmd.Flags().GetBool("embed")

		a, err := openLocalApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		stats, err := catalog.ImportFile(ctx, a.store, args[0])
		if err != nil {
			return err
		}
		printSuccess("Imported %d programs, queued %d embed jobs", stats.Programs, stats.Jobs)

		if !embed {
			return nil
		}
		return drainEmbeds(ctx, a)
	},
}

var catalogPartitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Cluster embedded programs into search partitions",
	Long: `Cluster embedded programs into search partitions with k-means. Run after
large imports; searches probe only the nearest partitions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocalApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Index.Backend == config.BackendQdrant {
			return fmt.Errorf("partitioning applies to the sqlite backend; qdrant maintains its own index")
		}
		lists := a.cfg.Index.Partitions
		if cmd.Flags().Changed("lists") {
			lists, _ = cmd.Flags().GetInt("lists")
		}

		printStep("Building %d partitions...", lists)
		stats, err := a.sqlite.BuildPartitions(cmd.Context(), lists)
		if err != nil {
			return err
		}
		printSuccess("Assigned %d programs to %d partitions", stats.Programs, stats.Partitions)
		if stats.Skipped > 0 {
			printWarning("%d programs skipped (embedding dimension mismatch)", stats.Skipped)
		}
		return nil
	},
}

var catalogReembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Queue embed jobs for programs without an embedding",
	Long: `Queue embed jobs for programs without a stored embedding that are not
already queued. Jobs that exhausted their retries are cleared first. The
check reads the local catalog, so with the qdrant backend every program is
queued.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		embed, _ := cmd.Flags().GetBool("embed")

		a, err := openLocalApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		cleared, err := a.store.DeleteFailedJobs(ctx, storage.JobTypeProgramEmbed)
		if err != nil {
			return err
		}
		if cleared > 0 {
			printStep("Cleared %d failed jobs", cleared)
		}
		ids, err := a.store.ProgramIDsToEmbed(ctx)
		if err != nil {
			return err
		}
		n, err := catalog.EnqueueEmbeds(ctx, a.store, ids)
		if err != nil {
			return err
		}
		printSuccess("Queued %d embed jobs", n)

		if !embed {
			return nil
		}
		return drainEmbeds(ctx, a)
	},
}

var catalogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog and embedding queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openLocalApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.store.CatalogStats(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		w := cmd.OutOrStdout()
		printStatus(w, "Backend", "%s", a.cfg.Index.Backend)
		printStatus(w, "Programs", "%d", st.Programs)
		printStatus(w, "Embedded", "%d", st.Embedded)
		printStatus(w, "Partitions", "%d", st.Partitions)
		printStatus(w, "Pending jobs", "%d", st.PendingJobs)
		printStatus(w, "Failed jobs", "%d", st.FailedJobs)
		return nil
	},
}

func init() {
	catalogImportCmd.Flags().Bool("embed", false, "embed imported programs now instead of waiting for the server")
	catalogReembedCmd.Flags().Bool("embed", false, "run all queued embed jobs now instead of waiting for the server")
	catalogPartitionCmd.Flags().Int("lists", 0, "number of partitions (default: index.partitions)")
	catalogStatusCmd.Flags().Bool("json", false, "print counts as JSON")

	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogPartitionCmd)
	catalogCmd.AddCommand(catalogReembedCmd)
	catalogCmd.AddCommand(catalogStatusCmd)
}

var openLocalApp = func() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openApp(cfg)
}

// drainEmbeds runs queued embed jobs in the foreground.
func drainEmbeds(ctx context.Context, a *app) error {
	if err := a.prepareIndex(ctx); err != nil {
		return err
	}
	start := time.Now()
	printStep("Embedding with %s...", a.cfg.Ollama.EmbedModel)
	n, err := ingest.NewWorker(a.store, a.embedder, a.index, 0).Drain(ctx)
	if err != nil {
		return fmt.Errorf("embedding stopped after %d jobs: %w", n, err)
	}
	printSuccess("Embedded %d programs in %s", n, time.Since(start).Round(time.Millisecond))
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, ki := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %-28s %-36s %s\n", ki.Key, ki.Value, colorize(colorCyan, ki.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a key to the config file",
	Long:  "Write a key to the config file. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a key from the config file so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(cfgPath, args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
