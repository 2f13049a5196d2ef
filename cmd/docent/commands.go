package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/docent/internal/api"
	"github.com/kalambet/docent/internal/config"
	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/pipeline"
	"github.com/kalambet/docent/internal/service"
	"github.com/kalambet/docent/internal/storage"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <photo>...",
	Short: "Generate tour items from photos",
	Long: `Generate tour items from photos, running the pipeline in this process.

All photos describe one object unless --each is given, in which case every
photo becomes its own item and the items are generated concurrently.

Examples:
  docent submit nike-front.jpg nike-side.jpg --title "Winged Victory"
  docent submit --each room7/*.jpg --save "Room 7" --museum Louvre
  docent submit bust.jpg --text-only`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		each, _ := cmd.Flags().GetBool("each")
		textOnly, _ := cmd.Flags().GetBool("text-only")
		if textOnly && each {
			return fmt.Errorf("--text-only and --each cannot be combined")
		}
		for _, p := range args {
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("reading photo: %w", err)
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireServiceKey(); err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

		meta := metadataFromFlags(cmd)
		tourTitle, _ := cmd.Flags().GetString("save")

		var opts []pipeline.SubmitOption
		if voice, _ := cmd.Flags().GetString("voice"); voice != "" {
			opts = append(opts, pipeline.WithVoice(voice))
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := service.NewClient(cfg.Service.BaseURL, cfg.Service.APIKey, service.WithTimeout(cfg.ServiceTimeout()))
		fs := feed.NewStore()
		orch := pipeline.NewOrchestrator(fs, client, client, client, pipeline.Config{
			Voice:         cfg.Service.Voice,
			ProgressStep:  cfg.Stream.ProgressStep,
			NarrativeMode: pipeline.NarrativeMode(cfg.Stream.NarrativeMode),
			MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		})

		done := watchProgress(fs)
		switch {
		case textOnly:
			_, err = orch.Generate(ctx, args, meta, opts...)
		case each:
			subs := make([]pipeline.Submission, len(args))
			for i, p := range args {
				subs[i] = pipeline.Submission{Photos: []string{p}, Metadata: meta}
			}
			printStep("Submitting %d items", len(subs))
			err = firstError(orch.SubmitAll(ctx, subs, opts...))
		default:
			_, err = orch.Submit(ctx, args, meta, opts...)
		}
		done()

		items := fs.Items()
		failed := 0
		for _, it := range items {
			fmt.Println(itemLine(it))
			if it.Status == feed.StatusError {
				failed++
				continue
			}
			if it.NarrativeText != "" {
				fmt.Printf("    %s\n", it.NarrativeText)
			}
			if it.AudioURL != "" {
				fmt.Printf("    %s\n", colorize(colorCyan, it.AudioURL))
			}
		}

		if tourTitle != "" {
			museum, _ := cmd.Flags().GetString("museum")
			if err := saveFinished(cmd.Context(), cfg.Storage.DataDir, fs, tourTitle, museum); err != nil {
				printError("%v", err)
			}
		}

		if failed > 0 {
			if len(items) == 1 && err != nil {
				return err
			}
			return fmt.Errorf("%d of %d items failed", failed, len(items))
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().String("title", "", "known title of the object")
	submitCmd.Flags().String("artist", "", "known artist")
	submitCmd.Flags().String("year", "", "known year or period")
	submitCmd.Flags().String("material", "", "known material")
	submitCmd.Flags().String("description", "", "free-form notes about the object")
	submitCmd.Flags().String("voice", "", "narration voice (default from service.voice)")
	submitCmd.Flags().Bool("each", false, "treat every photo as a separate object")
	submitCmd.Flags().Bool("text-only", false, "generate narrative text without streaming audio")
	submitCmd.Flags().String("save", "", "save the finished items as a tour with this title")
	submitCmd.Flags().String("museum", "", "museum name recorded with --save")
}

func metadataFromFlags(cmd *cobra.Command) *feed.Metadata {
	var m feed.Metadata
	m.Title, _ = cmd.Flags().GetString("title")
	m.Artist, _ = cmd.Flags().GetString("artist")
	m.Year, _ = cmd.Flags().GetString("year")
	m.Material, _ = cmd.Flags().GetString("material")
	m.Description, _ = cmd.Flags().GetString("description")
	if m.IsZero() {
		return nil
	}
	return &m
}

func firstError(outcomes []pipeline.Outcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// watchProgress prints a line whenever an item changes status. The returned
// func stops the watcher and waits for it to drain.
func watchProgress(fs *feed.Store) func() {
	events, cancel := fs.Subscribe()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		last := make(map[string]feed.Status)
		for it := range events {
			if last[it.ID] == it.Status {
				continue
			}
			last[it.ID] = it.Status
			printStep("%s", itemLine(it))
		}
	}()
	return func() {
		cancel()
		<-finished
	}
}

func saveFinished(ctx context.Context, dataDir string, fs *feed.Store, title, museum string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	id, err := store.SaveTour(ctx, storage.TourParams{
		Title:      title,
		MuseumName: museum,
		FeedItems:  fs.Finished(),
	})
	if err != nil {
		return fmt.Errorf("saving tour: %w", err)
	}
	printSuccess("Saved tour %s", id)
	return nil
}

// --- items ---

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect the items of a running server",
}

type itemsResponse struct {
	Busy  bool        `json:"busy"`
	Items []feed.Item `json:"items"`
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current items",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/items?status="+url.QueryEscape(status))
		if err != nil {
			return err
		}

		var result itemsResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Items) == 0 {
			fmt.Println("No items.")
		}
		for _, it := range result.Items {
			fmt.Println(itemLine(it))
		}
		if result.Busy {
			printStatus("Pipeline", "busy")
		}
		return nil
	},
}

var itemsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/items/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var it feed.Item
		if err := decodeJSON(resp, &it); err != nil {
			return err
		}
		it.AudioChunks = nil

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(it)
	},
}

var itemsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel the generation of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/items/"+url.PathEscape(args[0])+"/stream")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Cancelled %s", args[0])
		return nil
	},
}

var itemsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all items and start a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cancelRunning, _ := cmd.Flags().GetBool("cancel")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/items"
		if cancelRunning {
			path += "?cancel=true"
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Items cleared")
		return nil
	},
}

func init() {
	itemsListCmd.Flags().String("status", "all", "filter: all, pending or finished")
	itemsResetCmd.Flags().Bool("cancel", false, "also cancel generations still running")
	itemsCmd.AddCommand(itemsListCmd)
	itemsCmd.AddCommand(itemsShowCmd)
	itemsCmd.AddCommand(itemsCancelCmd)
	itemsCmd.AddCommand(itemsResetCmd)
}

// --- tours ---

var toursCmd = &cobra.Command{
	Use:   "tours",
	Short: "Manage saved tours",
}

var toursListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved tours, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/tours?limit=%d", limit))
		if err != nil {
			return err
		}

		var tours []storage.TourSummary
		if err := decodeJSON(resp, &tours); err != nil {
			return err
		}

		if len(tours) == 0 {
			fmt.Println("No tours found.")
			return nil
		}
		for _, t := range tours {
			fmt.Printf("%s  %s  %-30s %s  (%d items)\n",
				colorize(colorCyan, t.ID[:min(8, len(t.ID))]),
				t.CreatedAt.Local().Format("2006-01-02 15:04"),
				t.Title,
				t.MuseumName,
				t.ItemCount,
			)
		}
		return nil
	},
}

var toursShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a saved tour",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		withAudio, _ := cmd.Flags().GetBool("audio")
		if output != "json" && output != "yaml" {
			return fmt.Errorf("unknown output format %q (want json or yaml)", output)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tours/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var tour storage.Tour
		if err := decodeJSON(resp, &tour); err != nil {
			return err
		}
		return writeTour(os.Stdout, tour, output, withAudio)
	},
}

var toursSaveCmd = &cobra.Command{
	Use:   "save <title>",
	Short: "Save the server's finished items as a tour",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.SaveTourRequest{Title: args[0]}
		req.Description, _ = cmd.Flags().GetString("description")
		req.MuseumName, _ = cmd.Flags().GetString("museum")
		req.MuseumID, _ = cmd.Flags().GetString("museum-id")
		req.IncludeFailed, _ = cmd.Flags().GetBool("include-failed")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/tours", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Saved tour %s", result["id"])
		return nil
	},
}

var toursDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved tour",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/tours/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Deleted tour %s", args[0])
		return nil
	},
}

func init() {
	toursListCmd.Flags().Int("limit", 20, "maximum number of tours to list")
	toursShowCmd.Flags().StringP("output", "o", "json", "output format: json or yaml")
	toursShowCmd.Flags().Bool("audio", false, "include the audio chunks of every item")
	toursSaveCmd.Flags().String("description", "", "tour description")
	toursSaveCmd.Flags().String("museum", "", "museum name")
	toursSaveCmd.Flags().String("museum-id", "", "museum identifier")
	toursSaveCmd.Flags().Bool("include-failed", false, "also save items that ended in error")
	toursCmd.AddCommand(toursListCmd)
	toursCmd.AddCommand(toursShowCmd)
	toursCmd.AddCommand(toursSaveCmd)
	toursCmd.AddCommand(toursDeleteCmd)
}

// writeTour prints a tour as indented JSON or as YAML. YAML output keeps the
// JSON field names and order.
func writeTour(w io.Writer, tour storage.Tour, format string, withAudio bool) error {
	if !withAudio {
		for i := range tour.Items {
			tour.Items[i].AudioChunks = nil
		}
	}
	data, err := json.Marshal(tour)
	if err != nil {
		return err
	}

	if format == "json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("converting to yaml: %w", err)
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles JSON input parses with.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
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
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
