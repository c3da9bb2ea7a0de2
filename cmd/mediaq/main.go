package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type client struct {
	baseURL    string
	token      string
	admin      bool
	httpClient *http.Client
}

type taskResp struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	ErrorLog    string          `json:"errorLog"`
	ParentJobID string          `json:"parentJobId"`
	Result      json.RawMessage `json:"result"`
}

type queueStats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	InProgress int64 `json:"inProgress"`
	DLQ        int64 `json:"dlq"`
	Parents    int64 `json:"parents"`
}

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

type profile struct {
	BaseURL string `yaml:"baseUrl"`
	Token   string `yaml:"token"`
	Admin   bool   `yaml:"admin"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.admin {
		req.Header.Set("X-Role", "ADMIN")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

func main() {
	baseURL := getenv("MEDIAQ_BASE_URL", "http://localhost:8080")
	token := getenv("MEDIAQ_TOKEN", "")
	admin := getenvBool("MEDIAQ_ADMIN", isLocalURL(baseURL))
	profileName := getenv("MEDIAQ_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "mediaq",
		Short: "mediaQ CLI",
		Long:  "mediaQ CLI for submitting media tasks and inspecting queues.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL for mediaQ")
	root.PersistentFlags().StringVar(&token, "token", token, "Bearer token")
	root.PersistentFlags().BoolVar(&admin, "admin", admin, "Send X-Role: ADMIN (dev only)")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") {
			if v := strings.TrimSpace(os.Getenv("MEDIAQ_BASE_URL")); v != "" {
				baseURL = v
			} else if prof.BaseURL != "" {
				baseURL = prof.BaseURL
			}
		}
		if !flags.Changed("token") {
			if v := strings.TrimSpace(os.Getenv("MEDIAQ_TOKEN")); v != "" {
				token = v
			} else if prof.Token != "" {
				token = prof.Token
			}
		}
		if !flags.Changed("admin") {
			if v := strings.TrimSpace(os.Getenv("MEDIAQ_ADMIN")); v != "" {
				admin = getenvBool("MEDIAQ_ADMIN", admin)
			} else if prof.Admin {
				admin = true
			} else if isLocalURL(baseURL) {
				admin = true
			}
		}
		if !flags.Changed("profile") && profileName == "" && active != "" {
			profileName = active
		}
		return nil
	}

	root.AddCommand(initCmd(&profileName, ui))
	root.AddCommand(authCmd(&profileName, ui))
	root.AddCommand(taskCmd(&baseURL, &token, &admin, ui))
	root.AddCommand(queueCmd(&baseURL, &token, &admin, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func initCmd(profileName *string, ui *ui) *cobra.Command {
	var (
		baseURL  string
		token    string
		admin    bool
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]

			if baseURL == "" {
				baseURL = prof.BaseURL
			}
			if token == "" {
				token = prof.Token
			}
			if !noPrompt {
				r := bufio.NewReader(os.Stdin)
				baseURL = prompt(r, "Base URL", emptyOr(baseURL, "http://localhost:8080"))
				if token == "" {
					token, err = promptSecret("Token (leave empty for dev)")
					if err != nil {
						return err
					}
				}
			}

			prof.BaseURL = baseURL
			prof.Token = token
			prof.Admin = admin || isLocalURL(baseURL)
			cfg.Profiles[active] = prof
			cfg.CurrentProfile = active
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Profile %q saved to %s\n", ui.ok("[OK]"), active, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL for mediaQ")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().BoolVar(&admin, "admin", false, "Mark profile as admin")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Do not prompt for missing values")
	return cmd
}

func authCmd(profileName *string, ui *ui) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Token management",
	}

	var token string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a bearer token in the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]

			if strings.TrimSpace(token) == "" {
				token, err = promptSecret("Token")
				if err != nil {
					return err
				}
			}
			if strings.TrimSpace(token) == "" {
				return errors.New("token is required")
			}
			prof.Token = strings.TrimSpace(token)
			cfg.Profiles[active] = prof
			cfg.CurrentProfile = active
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Token stored for profile %q\n", ui.ok("[OK]"), active)
			return nil
		},
	}
	set.Flags().StringVar(&token, "token", "", "Bearer token value")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			fmt.Printf("Profile:  %s\n", active)
			fmt.Printf("Base URL: %s\n", emptyOr(prof.BaseURL, "<unset>"))
			fmt.Printf("Token:    %s\n", maskToken(prof.Token))
			fmt.Printf("Admin:    %v\n", prof.Admin)
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			prof.Token = ""
			cfg.Profiles[active] = prof
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Token cleared for profile %q\n", ui.ok("[OK]"), active)
			return nil
		},
	}

	auth.AddCommand(set, show, clear)
	return auth
}

func taskCmd(baseURL, token *string, admin *bool, ui *ui) *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Task operations",
	}

	var (
		taskType       string
		payload        string
		webhook        string
		idempotencyKey string
		watch          bool
	)

	submit := &cobra.Command{
		Use:     "submit",
		Short:   "Submit a task",
		Example: "mediaq task submit --type INGEST --payload '{\"assetId\":\"a-1\",\"sourcePath\":\"/in/a.mp4\"}'",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(taskType) == "" {
				return errors.New("type is required")
			}
			if strings.TrimSpace(payload) == "" {
				return errors.New("payload is required")
			}
			var payloadObj any
			if err := json.Unmarshal([]byte(payload), &payloadObj); err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}

			c := newClient(*baseURL, *token, *admin)
			body := map[string]any{
				"type":    strings.ToUpper(taskType),
				"payload": payloadObj,
			}
			if webhook != "" {
				body["webhook"] = webhook
			}
			if idempotencyKey != "" {
				body["idempotencyKey"] = idempotencyKey
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Submitting task..."
			spin.Start()
			status, resp, err := c.request("POST", "/v1/mediaq/tasks", body)
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			var out taskResp
			if err := json.Unmarshal(resp, &out); err != nil {
				fmt.Println(string(resp))
				return nil
			}
			fmt.Printf("%s Task submitted: %s\n", ui.ok("[OK]"), out.ID)
			if watch {
				return watchTask(c, out.ID, ui)
			}
			return nil
		},
	}
	submit.Flags().StringVar(&taskType, "type", "", "Task type (INGEST, RENDER, DETECT_LABELS)")
	submit.Flags().StringVar(&payload, "payload", "", "JSON payload")
	submit.Flags().StringVar(&webhook, "webhook", "", "Terminal-status webhook URL")
	submit.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key")
	submit.Flags().BoolVar(&watch, "watch", false, "Watch progress until the task finishes")

	var watchStatus bool
	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *token, *admin)
			if watchStatus {
				return watchTask(c, args[0], ui)
			}
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching task..."
			spin.Start()
			st, resp, err := c.request("GET", "/v1/mediaq/tasks/"+url.PathEscape(args[0]), nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if st >= 300 {
				return fmt.Errorf("error (%d): %s", st, string(resp))
			}
			fmt.Println(string(resp))
			return nil
		},
	}
	status.Flags().BoolVar(&watchStatus, "watch", false, "Watch progress until the task finishes")

	result := &cobra.Command{
		Use:   "result <id>",
		Short: "Show the aggregated task result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *token, *admin)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching result..."
			spin.Start()
			st, resp, err := c.request("GET", "/v1/mediaq/tasks/"+url.PathEscape(args[0])+"/result", nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if st >= 300 {
				return fmt.Errorf("error (%d): %s", st, string(resp))
			}
			fmt.Println(string(resp))
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *token, *admin)
			st, resp, err := c.request("POST", "/v1/mediaq/tasks/"+url.PathEscape(args[0])+"/cancel", nil)
			if err != nil {
				return err
			}
			if st >= 300 {
				return fmt.Errorf("error (%d): %s", st, string(resp))
			}
			fmt.Printf("%s Cancel requested for %s\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}

	task.AddCommand(submit, status, result, cancel)
	return task
}

func watchTask(c *client, id string, ui *ui) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionSetWidth(24),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	for {
		st, resp, err := c.request("GET", "/v1/mediaq/tasks/"+url.PathEscape(id), nil)
		if err != nil {
			return err
		}
		if st >= 300 {
			return fmt.Errorf("error (%d): %s", st, string(resp))
		}
		var t taskResp
		if err := json.Unmarshal(resp, &t); err != nil {
			return err
		}
		_ = bar.Set(t.Progress)
		switch t.Status {
		case "SUCCESS":
			_ = bar.Finish()
			fmt.Printf("%s Task %s finished: %s\n", ui.ok("[OK]"), id, t.Status)
			return nil
		case "FAILED", "CANCELED":
			_ = bar.Clear()
			fmt.Printf("%s Task %s finished: %s\n", ui.err("[FAIL]"), id, t.Status)
			if strings.TrimSpace(t.ErrorLog) != "" {
				fmt.Println(ui.dim(t.ErrorLog))
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func queueCmd(baseURL, token *string, admin *bool, ui *ui) *cobra.Command {
	inspect := &cobra.Command{
		Use:     "inspect",
		Short:   "Inspect queue depths",
		Example: "mediaq queue inspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *token, *admin)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Inspecting queues..."
			spin.Start()
			status, resp, err := c.request("GET", "/v1/mediaq/admin/queues", nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			var out queueStats
			if err := json.Unmarshal(resp, &out); err != nil {
				fmt.Println(string(resp))
				return nil
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Queue", "Depth"})
			tw.AppendRows([]table.Row{
				{ui.ok("READY"), out.Ready},
				{ui.warn("DELAYED"), out.Delayed},
				{ui.info("IN_PROGRESS"), out.InProgress},
				{ui.err("DLQ"), out.DLQ},
				{ui.dim("ACTIVE FLOWS"), out.Parents},
			})
			tw.SetStyle(table.StyleLight)
			tw.Render()
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue operations",
	}
	cmd.AddCommand(inspect)
	return cmd
}

func newClient(baseURL, token string, admin bool) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		admin:      admin,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func isLocalURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "localhost" || host == "127.0.0.1"
}

func helpTemplate(ui *ui) string {
	title := ui.title("mediaq")
	return fmt.Sprintf(`%s - CLI for mediaQ

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  mediaq init
  mediaq task submit --type INGEST --payload '{"assetId":"a-1","sourcePath":"/in/a.mp4"}' --watch
  mediaq task status <id> --watch
  mediaq task result <id>
  mediaq queue inspect

`, title, configPath())
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("MEDIAQ_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".mediaq", "config.yaml")
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	b, err := termReadPassword()
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func termReadPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return []byte(strings.TrimSpace(line)), err
	}
	return term.ReadPassword(fd)
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if v := strings.TrimSpace(os.Getenv("MEDIAQ_PROFILE")); v != "" {
		return v
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
