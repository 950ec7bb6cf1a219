package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) call(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.base, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Println(string(raw))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("API returned status: %s", resp.Status)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 2 * time.Minute}}

	root := &cobra.Command{
		Use:           "domainhealth",
		Short:         "Operate a domainhealth API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.base, "api", envOr("API_BASE", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&c.key, "key", os.Getenv("DOMAINHEALTH_API_KEY"), "API key (admin key for mutating commands)")

	root.AddCommand(
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one sweep over every due target",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(http.MethodPost, "/api/monitor/sweep", nil)
			},
		},
		&cobra.Command{
			Use:   "check <target-id>",
			Short: "Probe one target now, ignoring its interval",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(http.MethodPost, "/api/monitor/targets/"+url.PathEscape(args[0])+"/check", nil)
			},
		},
		newAddTargetCmd(c),
		newIncidentsCmd(c),
		newResolveCmd(c),
		&cobra.Command{
			Use:   "test-notify <client-id>",
			Short: "Send a test alert to every channel of a client",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(http.MethodPost, "/api/clients/"+url.PathEscape(args[0])+"/notifications/test", nil)
			},
		},
	)
	return root
}

func newAddTargetCmd(c *client) *cobra.Command {
	var clientID string
	var ssl bool
	var interval int
	cmd := &cobra.Command{
		Use:   "add-target <host>",
		Short: "Register a domain for uptime monitoring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := map[string]any{"uptime": true, "ssl": ssl}
			if interval > 0 {
				cfg["uptimeInterval"] = interval
			}
			return c.call(http.MethodPost, "/api/monitor/targets?check=true", map[string]any{
				"client_id": clientID,
				"host":      args[0],
				"config":    cfg,
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "owning client id")
	cmd.Flags().BoolVar(&ssl, "ssl", false, "also watch certificate expiry")
	cmd.Flags().IntVar(&interval, "interval", 0, "polling interval in minutes")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newIncidentsCmd(c *client) *cobra.Command {
	var clientID, status string
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if clientID != "" {
				q.Set("client_id", clientID)
			}
			if status != "" {
				q.Set("status", status)
			}
			path := "/api/incidents"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return c.call(http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "filter by client id")
	cmd.Flags().StringVar(&status, "status", "", "ONGOING or RESOLVED")
	return cmd
}

func newResolveCmd(c *client) *cobra.Command {
	var user, note string
	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an ongoing incident by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(http.MethodPost, "/api/incidents/"+url.PathEscape(args[0])+"/resolve", map[string]any{
				"user_name": user,
				"message":   note,
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", envOr("USER", ""), "name recorded on the timeline")
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
