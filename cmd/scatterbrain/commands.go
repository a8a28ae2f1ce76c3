package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scatterbrain-app/scatterbrain/internal/config"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesizer"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

// thoughtView mirrors the API's thought representation.
type thoughtView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	InputMethod string `json:"inputMethod"`
	Source      string `json:"source,omitempty"`
	Status      string `json:"status"`
	SynthesisID string `json:"synthesisId,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture [text...]",
	Short: "Capture a thought",
	Long: `Capture a thought from text, a web page or a file.

Examples:
  scatterbrain capture "start a newsletter about slow productivity"
  scatterbrain capture --url https://example.com/essay
  scatterbrain capture --file ./notes.md --queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args, " "))
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		method, _ := cmd.Flags().GetString("method")
		queue, _ := cmd.Flags().GetBool("queue")

		if text == "" && rawURL == "" && file == "" {
			return fmt.Errorf("thought text, --url or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var view thoughtView
		if file != "" {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening file: %w", err)
			}
			defer f.Close()
			resp, err := client.upload(ctx, "/api/thoughts", filepath.Base(file), f)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &view); err != nil {
				return err
			}
		} else {
			req := map[string]any{}
			if rawURL != "" {
				req["url"] = rawURL
			} else {
				req["text"] = text
				if method != "" {
					req["inputMethod"] = method
				}
			}
			if title != "" {
				req["title"] = title
			}
			resp, err := client.post(ctx, "/api/thoughts", req)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &view); err != nil {
				return err
			}
		}

		printSuccess("Captured %s %s", view.ID, colorize(colorDim, truncate(view.Title, 60)))

		if queue {
			return queueSynthesis(cmd, client, view.ID)
		}
		return nil
	},
}

func init() {
	captureCmd.Flags().String("url", "", "web page to capture")
	captureCmd.Flags().String("file", "", "text, markdown, HTML or PDF file to capture")
	captureCmd.Flags().String("title", "", "title for the thought")
	captureCmd.Flags().String("method", "", "input method for text (text or voice)")
	captureCmd.Flags().Bool("queue", false, "queue a background synthesis after capture")
}

// --- synthesize ---

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize [text...]",
	Short: "Synthesize a thought and stream the result",
	Long: `Synthesize text into key themes, action items and content suggestions,
printing each part as the server streams it.

Examples:
  scatterbrain synthesize "I keep thinking about a podcast on craft"
  scatterbrain synthesize --depth detailed --platforms twitter,linkedin "..."
  echo "..." | scatterbrain synthesize -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		input := strings.TrimSpace(strings.Join(args, " "))
		if input == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			input = strings.TrimSpace(string(data))
		}
		if input == "" {
			return fmt.Errorf("text to synthesize is required")
		}

		opts, err := synthesisOptions(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		handlers := synthesis.Handlers{
			OnRetry: func(n synthesis.RetryNotice) { printWarning("%s", n.Message()) },
		}
		if !asJSON {
			handlers.OnEvent = func(ev synthesis.StreamedEvent) { renderEvent(out, ev) }
		}

		res, err := client.synthesisClient().Synthesize(cmd.Context(), input, opts, handlers)
		if err != nil {
			return errors.New(synthesis.UserMessage(err))
		}

		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		renderSummary(out, res)
		return nil
	},
}

func init() {
	addSynthesisFlags(synthesizeCmd)
	synthesizeCmd.Flags().String("method", "text", "input method the thought was captured with")
	synthesizeCmd.Flags().Bool("connections", false, "look for related communities and topics")
	synthesizeCmd.Flags().Bool("calendar", false, "shape action items for a calendar")
	synthesizeCmd.Flags().String("format", "", "action format: list, calendar or kanban")
	synthesizeCmd.Flags().Bool("json", false, "print only the final result as JSON")
}

func addSynthesisFlags(cmd *cobra.Command) {
	cmd.Flags().String("depth", "", "insight depth: brief, detailed or deep")
	cmd.Flags().StringSlice("platforms", nil, "platforms to draft content for, e.g. twitter,linkedin")
}

func synthesisOptions(cmd *cobra.Command) (synthesis.Options, error) {
	depth, _ := cmd.Flags().GetString("depth")
	platforms, _ := cmd.Flags().GetStringSlice("platforms")

	switch depth {
	case "", "brief", "detailed", "deep":
	default:
		return synthesis.Options{}, fmt.Errorf("invalid --depth %q (want brief, detailed or deep)", depth)
	}

	opts := synthesis.Options{
		Preferences: synthesis.Preferences{InsightDepth: depth, Platforms: platforms},
		Features:    synthesis.Features{GenerateContent: len(platforms) > 0},
	}
	if f := cmd.Flags().Lookup("method"); f != nil {
		opts.Context.InputMethod = f.Value.String()
	}
	if f := cmd.Flags().Lookup("format"); f != nil {
		opts.Preferences.ActionFormat = f.Value.String()
	}
	if v, err := cmd.Flags().GetBool("connections"); err == nil {
		opts.Features.FindConnections = v
	}
	if v, err := cmd.Flags().GetBool("calendar"); err == nil {
		opts.Features.CalendarIntegration = v
	}
	return opts, nil
}

// renderEvent prints one streamed event as it arrives.
func renderEvent(w io.Writer, ev synthesis.StreamedEvent) {
	switch ev.Type {
	case synthesis.EventProgress:
		var p synthesis.Progress
		if json.Unmarshal(ev.Data, &p) == nil {
			msg := p.Message
			if msg == "" {
				msg = p.Stage
			}
			fmt.Fprintln(w, colorize(colorDim, fmt.Sprintf("[%3d%%] %s", p.Percent, msg)))
		}
	case synthesis.EventInsight:
		var th synthesis.KeyTheme
		if json.Unmarshal(ev.Data, &th) == nil {
			fmt.Fprintf(w, "%s %s %s\n", colorize(colorCyan, "◆"), th.Theme, colorize(colorDim, fmt.Sprintf("(%.0f%%)", th.Confidence*100)))
		}
	case synthesis.EventAction:
		var a synthesis.ActionItem
		if json.Unmarshal(ev.Data, &a) == nil {
			fmt.Fprintf(w, "%s %s %s\n", colorize(colorGreen, "☐"), a.Task, colorize(colorDim, "["+a.Priority+"]"))
		}
	case synthesis.EventContent:
		var c synthesizer.ContentEvent
		if json.Unmarshal(ev.Data, &c) == nil {
			fmt.Fprintf(w, "%s\n", heading(c.Platform))
			for _, s := range c.Suggestions {
				fmt.Fprintf(w, "  %s %s\n", colorize(colorDim, s.Type+":"), s.Content)
				if len(s.Hashtags) > 0 {
					fmt.Fprintf(w, "  %s\n", colorize(colorDim, strings.Join(s.Hashtags, " ")))
				}
			}
		}
	}
}

// renderSummary prints the closing line for a finished synthesis.
func renderSummary(w io.Writer, res synthesis.SynthesizeResponse) {
	m := res.ProcessingMetadata
	fmt.Fprintf(w, "%s\n", colorize(colorDim, fmt.Sprintf(
		"%d themes, %d actions in %dms via %s (%d tokens, confidence %.2f)",
		len(res.Insights.KeyThemes), len(res.Insights.ActionItems),
		m.ProcessingTimeMs, m.Provider, m.TokensUsed, m.ConfidenceScore,
	)))
}

// --- thoughts ---

var thoughtsCmd = &cobra.Command{
	Use:   "thoughts",
	Short: "List and manage captured thoughts",
}

var thoughtsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent thoughts",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/thoughts?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}
		var thoughts []thoughtView
		if err := decodeJSON(resp, &thoughts); err != nil {
			return err
		}

		if len(thoughts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No thoughts yet.")
			return nil
		}
		for _, th := range thoughts {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-11s  %s\n", th.ID, th.Status, truncate(th.Title, 60))
		}
		return nil
	},
}

var thoughtsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a thought",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/thoughts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var th thoughtView
		if err := decodeJSON(resp, &th); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, heading(th.Title))
		fmt.Fprintln(out, colorize(colorDim, fmt.Sprintf("%s · %s · %s", th.InputMethod, th.Status, th.CreatedAt)))
		if th.Source != "" {
			fmt.Fprintln(out, colorize(colorDim, th.Source))
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, th.Content)
		return nil
	},
}

var thoughtsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thought",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/thoughts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var thoughtsSynthesizeCmd = &cobra.Command{
	Use:   "synthesize <id>",
	Short: "Queue a background synthesis of a stored thought",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return queueSynthesis(cmd, client, args[0])
	},
}

func queueSynthesis(cmd *cobra.Command, client *apiClient, id string) error {
	body := map[string]any{}
	if cmd.Flags().Lookup("depth") != nil {
		opts, err := synthesisOptions(cmd)
		if err != nil {
			return err
		}
		body["preferences"] = opts.Preferences
		body["features"] = opts.Features
	}

	resp, err := client.post(cmd.Context(), "/api/thoughts/"+url.PathEscape(id)+"/synthesize", body)
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printStep("Queued synthesis for %s (job %s)", id, result["jobId"])
	return nil
}

var thoughtsSuggestionsCmd = &cobra.Command{
	Use:   "suggestions <id>",
	Short: "Show content suggestions from a thought's synthesis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/thoughts/"+url.PathEscape(args[0])+"/suggestions")
		if err != nil {
			return err
		}
		var suggestions []struct {
			Platform string   `json:"platform"`
			Type     string   `json:"type"`
			Content  string   `json:"content"`
			Hashtags []string `json:"hashtags"`
		}
		if err := decodeJSON(resp, &suggestions); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(suggestions) == 0 {
			fmt.Fprintln(out, "No content suggestions for this thought.")
			return nil
		}
		for _, s := range suggestions {
			fmt.Fprintf(out, "%s %s\n  %s\n", heading(s.Platform), colorize(colorDim, s.Type), s.Content)
			if len(s.Hashtags) > 0 {
				fmt.Fprintf(out, "  %s\n", colorize(colorDim, strings.Join(s.Hashtags, " ")))
			}
		}
		return nil
	},
}

func init() {
	thoughtsListCmd.Flags().Int("limit", 20, "maximum number of thoughts")
	thoughtsListCmd.Flags().Int("offset", 0, "number of thoughts to skip")
	addSynthesisFlags(thoughtsSynthesizeCmd)
	addSynthesisFlags(captureCmd)

	thoughtsCmd.AddCommand(thoughtsListCmd)
	thoughtsCmd.AddCommand(thoughtsShowCmd)
	thoughtsCmd.AddCommand(thoughtsDeleteCmd)
	thoughtsCmd.AddCommand(thoughtsSynthesizeCmd)
	thoughtsCmd.AddCommand(thoughtsSuggestionsCmd)
}

// --- usage ---

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show your plan and usage this month",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/usage")
		if err != nil {
			return err
		}
		var s usage.Summary
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		renderUsage(cmd.OutOrStdout(), s)
		return nil
	},
}

func renderUsage(w io.Writer, s usage.Summary) {
	fmt.Fprintf(w, "%s %s (%s)\n", heading("Plan:"), s.Tier, s.Period)
	fmt.Fprintf(w, "  Syntheses  %s\n", quota(s.Used[usage.FeatureSynthesis], s.Limits.SynthesesPerMonth))
	fmt.Fprintf(w, "  Thoughts   %s\n", quota(s.Used[usage.FeatureThought], s.Limits.ThoughtsPerMonth))
	fmt.Fprintf(w, "  Deep insights %s, voice %s, platforms %s\n",
		yesNo(s.Limits.DeepInsights), yesNo(s.Limits.Voice), limitLabel(s.Limits.MaxPlatforms))
}

func quota(used, limit int) string {
	if limit == usage.Unlimited {
		return fmt.Sprintf("%d used (unlimited)", used)
	}
	label := fmt.Sprintf("%d / %d", used, limit)
	if used >= limit {
		return colorize(colorRed, label)
	}
	return label
}

func limitLabel(n int) string {
	if n == usage.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// --- trending ---

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "Show the most mentioned themes across syntheses",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/trending?limit=%d", limit))
		if err != nil {
			return err
		}
		var topics []struct {
			Topic    string `json:"topic"`
			Mentions int    `json:"mentions"`
			LastSeen string `json:"lastSeen"`
		}
		if err := decodeJSON(resp, &topics); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(topics) == 0 {
			fmt.Fprintln(out, "Nothing trending yet.")
			return nil
		}
		for i, t := range topics {
			fmt.Fprintf(out, "%2d. %s %s\n", i+1, t.Topic, colorize(colorDim, fmt.Sprintf("×%d", t.Mentions)))
		}
		return nil
	},
}

func init() {
	trendingCmd.Flags().Int("limit", 10, "number of topics")
}

// --- billing ---

var upgradeCmd = &cobra.Command{
	Use:       "upgrade <pro|team>",
	Short:     "Open a checkout session for a paid plan",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(usage.Pro), string(usage.Team)},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/billing/checkout", map[string]string{"tier": args[0]})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printStep("Complete your upgrade in the browser:")
		fmt.Fprintln(cmd.OutOrStdout(), result["url"])
		return nil
	},
}

var portalCmd = &cobra.Command{
	Use:   "portal",
	Short: "Open the billing portal to manage your subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/billing/portal", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result["url"])
		return nil
	},
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
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "$"+k.EnvVar))
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

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store an API key in the platform secret store (value read from stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading secret: %w", err)
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return fmt.Errorf("empty secret; pipe the value on stdin")
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
