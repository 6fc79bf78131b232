package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driveqa/driveqa/internal/config"
)

func resolveUser(cmd *cobra.Command) (string, error) {
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		user = os.Getenv("DRIVEQA_USER")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return "", fmt.Errorf("no user id: pass --user or set DRIVEQA_USER")
	}
	return user, nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question over your indexed documents",
	Long: `Ask a question over your indexed documents.

Prefixes select a mode instead of a plain answer: "debug:" lists your
accessible documents without retrieval, "test:" runs ingestion only,
"explain:" shows retrieval diagnostics for a question, and "eval:" answers
and waits for the judge model's quality score.

Examples:
  driveqa ask "when does my passport expire?"
  driveqa ask --user alice "eval: what is the project deadline?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		user, err := resolveUser(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"user_id":  user,
			"question": question,
			"stream":   !noStream,
		}
		resp, err := client.post(cmd.Context(), "/v1/ask", body)
		if err != nil {
			return err
		}

		if noStream {
			var result struct {
				Answer  string `json:"answer"`
				Notice  string `json:"notice"`
				Sources []struct {
					Title string `json:"title"`
				} `json:"sources"`
				Evaluation *struct {
					Relevance    int     `json:"relevance"`
					Completeness int     `json:"completeness"`
					Overall      float64 `json:"overall"`
				} `json:"evaluation"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			if result.Notice != "" {
				printWarning("%s", result.Notice)
			}
			fmt.Println(result.Answer)
			printSources(sourceTitles(result.Sources))
			if result.Evaluation != nil {
				printStatus("Evaluation", "relevance %d/5, completeness %d/5, overall %.2f",
					result.Evaluation.Relevance, result.Evaluation.Completeness, result.Evaluation.Overall)
			}
			return nil
		}

		return readStream(resp, func(event streamEvent) error {
			switch {
			case event.Error != nil:
				return fmt.Errorf("answer failed: %s", event.Error.Message)
			case event.Done:
				fmt.Println()
				if event.Notice != "" {
					printWarning("%s", event.Notice)
				}
				var sources []struct {
					Title string `json:"title"`
				}
				if len(event.Sources) > 0 {
					json.Unmarshal(event.Sources, &sources)
				}
				printSources(sourceTitles(sources))
			default:
				fmt.Print(event.Delta)
			}
			return nil
		})
	},
}

func sourceTitles(sources []struct {
	Title string `json:"title"`
}) []string {
	titles := make([]string, len(sources))
	for i, s := range sources {
		titles[i] = s.Title
	}
	return titles
}

func printSources(titles []string) {
	if len(titles) == 0 {
		return
	}
	printStatus("Sources", "%s", strings.Join(titles, ", "))
}

func init() {
	askCmd.Flags().String("user", "", "user id (default: $DRIVEQA_USER, then $USER)")
	askCmd.Flags().Bool("no-stream", false, "wait for the full answer instead of streaming")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := resolveUser(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/documents?user_id="+url.QueryEscape(user))
		if err != nil {
			return err
		}

		var result struct {
			Documents []struct {
				ID           string `json:"id"`
				Title        string `json:"title"`
				MimeType     string `json:"mime_type"`
				LastModified string `json:"last_modified"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Documents) == 0 {
			fmt.Println("No documents indexed.")
			return nil
		}

		for _, d := range result.Documents {
			fmt.Printf("%s  %s  (%s, modified %s)\n",
				boldColor.Sprint(d.Title), d.ID, d.MimeType, d.LastModified)
		}
		return nil
	},
}

func init() {
	documentsCmd.Flags().String("user", "", "user id (default: $DRIVEQA_USER, then $USER)")
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the embedding index from the document corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := resolveUser(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Reindexing documents for %s...", user)
		resp, err := client.post(cmd.Context(), "/v1/reindex", map[string]any{"user_id": user})
		if err != nil {
			return err
		}

		var result struct {
			Indexed int `json:"indexed"`
			Skipped int `json:"skipped"`
			Removed int `json:"removed"`
			Failed  []struct {
				DocumentID string `json:"document_id"`
				Error      string `json:"error"`
			} `json:"failed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Indexed %d, skipped %d unchanged, removed %d",
			result.Indexed, result.Skipped, result.Removed)
		for _, f := range result.Failed {
			printError("%s: %s", f.DocumentID, f.Error)
		}
		return nil
	},
}

func init() {
	reindexCmd.Flags().String("user", "", "user id (default: $DRIVEQA_USER, then $USER)")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent questions and answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		user, err := resolveUser(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/interactions?user_id=%s&limit=%d", url.QueryEscape(user), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Interactions []struct {
				ID         string `json:"id"`
				CreatedAt  string `json:"created_at"`
				Question   string `json:"question"`
				Status     string `json:"status"`
				Evaluation *struct {
					Overall float64 `json:"overall"`
				} `json:"evaluation"`
			} `json:"interactions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range result.Interactions {
			question := ix.Question
			if len(question) > 80 {
				question = question[:80] + "..."
			}
			line := fmt.Sprintf("%s  %s  %s",
				stepColor.Sprint(ix.ID[:8]), ix.CreatedAt, question)
			if ix.Status != "completed" {
				line += "  [" + ix.Status + "]"
			}
			if ix.Evaluation != nil {
				line += fmt.Sprintf("  (score %.2f)", ix.Evaluation.Overall)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("user", "", "user id (default: $DRIVEQA_USER, then $USER)")
	historyCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
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
			fmt.Printf("  %s = %s\n", boldColor.Sprint(k.Key), k.Value)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
