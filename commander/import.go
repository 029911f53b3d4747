package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/proxy"
	"github.com/droverhq/drover/store"
)

var importCycles int

var importChatsCmd = &cobra.Command{
	Use:   "import-chats <file>",
	Short: "Load chat references into the group's task queue",
	Long: `Reads one chat reference per line. Leading @ is stripped and blank
lines and # comments are ignored. Existing chats are left untouched, so
re-importing a grown list only adds the new entries.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refs, err := readLines(args[0], normalizeChatRef)
		if err != nil {
			return err
		}
		return withStore(cmd, func(cfg *config.Config, st *store.PostgresStore) error {
			cycles := importCycles
			if !cmd.Flags().Changed("cycles") {
				cycles = cfg.Limits.MaxCycles
			}
			n, err := st.ImportChats(cmd.Context(), groupID, refs, cycles, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("imported %d new chats (%d in file)\n", n, len(refs))
			return nil
		})
	},
}

var importMessagesCmd = &cobra.Command{
	Use:   "import-messages <file>",
	Short: "Load message texts into the group's rotation pool",
	Long: `Reads a JSON array of message strings. Duplicate texts are skipped,
so re-importing an edited file only adds the new entries.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		texts, err := readMessageFile(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(_ *config.Config, st *store.PostgresStore) error {
			n, err := st.ImportMessages(cmd.Context(), groupID, texts, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("imported %d new messages (%d in file)\n", n, len(texts))
			return nil
		})
	},
}

var importProxiesCmd = &cobra.Command{
	Use:   "import-proxies <file>",
	Short: "Load proxy URLs into the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		urls, err := proxy.ReadPoolFile(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(_ *config.Config, st *store.PostgresStore) error {
			n, err := st.SyncProxies(cmd.Context(), urls, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("imported %d new proxies (%d in file)\n", n, len(urls))
			return nil
		})
	},
}

func init() {
	importChatsCmd.Flags().IntVar(&importCycles, "cycles", 1, "message cycles per chat (overrides limits.max_cycles)")
	rootCmd.AddCommand(importChatsCmd, importMessagesCmd, importProxiesCmd)
}

func withStore(cmd *cobra.Command, fn func(cfg *config.Config, st *store.PostgresStore) error) error {
	cfg := loadConfig()
	st, err := store.NewPostgresStore(cmd.Context(), cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	return fn(cfg, st)
}

func normalizeChatRef(line string) string {
	return strings.TrimPrefix(strings.TrimSpace(line), "@")
}

func readLines(path string, normalize func(string) string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := normalize(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out, scanner.Err()
}

// readMessageFile parses a JSON array of message strings.
func readMessageFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: expected a JSON array of strings: %w", path, err)
	}
	var texts []string
	seen := map[string]bool{}
	for _, text := range raw {
		text = strings.TrimSpace(text)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		texts = append(texts, text)
	}
	return texts, nil
}
