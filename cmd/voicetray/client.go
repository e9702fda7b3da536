package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voicetray/internal/config"
	"voicetray/internal/relay"
)

var (
	speakVoice string
	speakRate  int
	speakAgent string
	jsonOutput bool
)

var speakCmd = &cobra.Command{
	Use:     "speak TEXT...",
	Short:   "Queue text on a running daemon",
	Example: "voicetray speak \"Build finished\" --rate 200",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := relay.Input{Text: strings.Join(args, " "), Voice: speakVoice, Agent: speakAgent}
		if cmd.Flags().Changed("rate") {
			in.Rate = &speakRate
		}
		body, _ := json.Marshal(in)
		var out struct {
			ID     uint64 `json:"id"`
			Status string `json:"status"`
		}
		if err := call(cmd.Context(), http.MethodPost, "/speak", body, &out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued #%d\n", out.ID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and connection state of a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st relay.Status
		if err := call(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		speaking := "no"
		if st.SpeakingID != nil {
			speaking = fmt.Sprintf("#%d", *st.SpeakingID)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "entries\t%s\n", humanize.Comma(int64(st.Total)))
		fmt.Fprintf(w, "queued\t%s\n", humanize.Comma(int64(st.Queued)))
		fmt.Fprintf(w, "speaking\t%s\n", speaking)
		fmt.Fprintf(w, "mqtt\t%s %s\n", st.MQTTStatus, st.MQTTBroker)
		fmt.Fprintf(w, "port\t%d\n", st.ServerPort)
		return w.Flush()
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "List recent requests of a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var entries []relay.Entry
		if err := call(cmd.Context(), http.MethodGet, "/timeline", nil, &entries); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tRECEIVED\tTEXT")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.Status, e.Source, humanize.Time(e.ReceivedAt), truncate(e.Text, 60))
		}
		return w.Flush()
	},
}

func init() {
	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "voice name (default: speech.default_voice)")
	speakCmd.Flags().IntVar(&speakRate, "rate", 0, "words per minute (1..1000)")
	speakCmd.Flags().StringVar(&speakAgent, "agent", "", "producer label")
	for _, c := range []*cobra.Command{statusCmd, timelineCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	}
}

// daemonAddr prefers --addr, then server.addr from the config file.
func daemonAddr() string {
	if a := strings.TrimSpace(serverAddr); a != "" {
		return a
	}
	addr := config.DefaultServerAddr
	if cfg, err := config.NewConfigManager(configFile).Parse(); err == nil {
		addr = cfg.Server.Addr
	}
	// A wildcard listener is reached over loopback.
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			return net.JoinHostPort("127.0.0.1", port)
		}
	}
	return addr
}

func call(ctx context.Context, method, path string, body []byte, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+daemonAddr()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return errors.New(e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

