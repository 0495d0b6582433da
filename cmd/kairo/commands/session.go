package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/kairo/pkg/kairo/bridge"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// newSessionCmd creates `kairo session`, an offline inspector for one user.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <user_id>",
		Short: "Show a user's preferences, items and recent conversation",
		Long: `Reads the database directly and prints what Kairo knows about a user:
preferences, items, the most recent turns and tool activity.

Examples:
  kairo session 972501234567
  kairo session 972501234567 --turns 50 --json`,
		Args: cobra.ExactArgs(1),
		RunE: runSession,
	}

	cmd.Flags().Int("turns", 20, "number of recent turns to show")
	cmd.Flags().String("tz", "", "display timestamps in this IANA zone (default: the user's)")
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}

type sessionReport struct {
	UserID      string               `json:"user_id"`
	Preferences store.Preferences    `json:"preferences"`
	Items       []store.Item         `json:"items"`
	Turns       []store.Turn         `json:"turns"`
	Activity    []store.ToolActivity `json:"tool_activity"`
	Warnings    []store.SystemLog    `json:"system_warnings"`

	loc *time.Location
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := stderrLogger(cmd, cfg)

	userID := bridge.DigitsOnly(args[0])
	if userID == "" {
		userID = args[0]
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	prefs, ok := st.Preferences.Get(userID)
	if !ok {
		return fmt.Errorf("no user %q in %s", userID, cfg.Database.Path)
	}

	items, err := st.Items.List(ctx, store.ItemFilter{UserID: userID})
	if err != nil {
		return err
	}
	n, _ := cmd.Flags().GetInt("turns")
	turns, err := st.Turns.Recent(ctx, userID, n)
	if err != nil {
		return err
	}
	activity, err := st.Activity.ForUser(ctx, userID)
	if err != nil {
		return err
	}

	logs, err := store.SystemLogs(ctx, st.DB)
	if err != nil {
		return err
	}

	tz, _ := cmd.Flags().GetString("tz")
	if tz == "" {
		tz = prefs.Timezone
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			logger.Warn("unknown timezone, showing UTC", "timezone", tz)
		}
	}

	report := sessionReport{
		UserID:      userID,
		Preferences: prefs,
		Items:       items,
		Turns:       turns,
		Activity:    activity,
		Warnings:    logsForUser(logs, userID),
		loc:         loc,
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printSession(os.Stdout, report)
	return nil
}

func printSession(w io.Writer, r sessionReport) {
	p := r.Preferences
	fmt.Fprintf(w, "User %s (%s)\n", r.UserID, p.Status)
	fmt.Fprintf(w, "  name:      %s\n", p.Name)
	fmt.Fprintf(w, "  language:  %s\n", p.Language)
	fmt.Fprintf(w, "  timezone:  %s\n", orDash(p.Timezone))
	fmt.Fprintf(w, "  rituals:   morning %s, evening %s on %s\n",
		p.MorningMusterTime, p.EveningReflectionTime, strings.Join(p.RitualDays, ", "))
	fmt.Fprintf(w, "  last sent: morning %s, evening %s\n",
		orDash(p.LastMorningTriggerDate), orDash(p.LastEveningTriggerDate))

	fmt.Fprintf(w, "\nItems (%d)\n", len(r.Items))
	for _, it := range r.Items {
		when := it.DueDate
		if it.Type == store.TypeReminder {
			when = it.RemindAt
		}
		fmt.Fprintf(w, "  %-8s %-11s %-36s %s", it.Type, it.Status, it.ID, it.Description)
		if when != "" {
			fmt.Fprintf(w, " [%s]", when)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\nRecent turns (%d)\n", len(r.Turns))
	for _, t := range r.Turns {
		fmt.Fprintf(w, "  %s %-9s %-20s %s\n",
			r.stamp(t.Timestamp), t.Role, t.Kind, truncate(t.Content, 100))
	}

	fmt.Fprintf(w, "\nTool activity (%d)\n", len(r.Activity))
	for _, a := range r.Activity {
		status := "ok"
		if !a.Success {
			status = "FAILED"
		}
		fmt.Fprintf(w, "  %s %-26s %-6s %s\n",
			r.stamp(a.Timestamp), a.Tool, status, truncate(a.Result, 80))
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintf(w, "\nSystem warnings (%d)\n", len(r.Warnings))
		for _, l := range r.Warnings {
			fmt.Fprintf(w, "  %s %-5s %-12s %s\n", r.stamp(l.Timestamp), l.Level, l.Component, l.Message)
		}
	}
}

func (r sessionReport) stamp(t time.Time) string {
	loc := r.loc
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateTime)
}

// logsForUser keeps the mirrored log records whose attributes name userID.
func logsForUser(logs []store.SystemLog, userID string) []store.SystemLog {
	var out []store.SystemLog
	quoted := `"` + userID + `"`
	for _, l := range logs {
		if strings.Contains(l.AttrsJSON, quoted) {
			out = append(out, l)
		}
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
