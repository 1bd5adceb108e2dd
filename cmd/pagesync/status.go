package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/pagegraph/pagesync/internal/engine"
	"github.com/pagegraph/pagesync/internal/graphdb"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local sync state",
	Long: `Render the local graph's sync state: graph binding, schema versions,
logical clocks, and pending work. When a loop is running in this process the
live snapshot (connection state, online users, toggles) is included.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if termenv.EnvColorProfile() == termenv.Ascii {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := graphdb.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchema(); err != nil {
			return err
		}

		out, err := renderDBStatus(db)
		if err != nil {
			return err
		}
		fmt.Println(boxStyle.Render(out))
		return nil
	},
}

// renderDBStatus builds the offline portion of the status view.
func renderDBStatus(db *graphdb.DB) (string, error) {
	graphUUID, err := db.GraphUUID()
	if err != nil {
		return "", err
	}
	local, err := db.SchemaVersion()
	if err != nil {
		return "", err
	}
	remote, err := db.RemoteSchemaVersion()
	if err != nil {
		return "", err
	}
	localT, remoteT, err := db.Clocks()
	if err != nil {
		return "", err
	}
	pendingOps, err := db.PendingOpCount()
	if err != nil {
		return "", err
	}
	pendingAssets, err := db.PendingAssetCount()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	if graphUUID == "" {
		row("Graph", errStyle.Render("not bound to a remote graph"))
	} else {
		row("Graph", okStyle.Render(graphUUID))
	}
	row("Schema", fmt.Sprintf("local %s / remote %s", orDash(local), orDash(remote)))
	row("Clocks", fmt.Sprintf("local t=%d / remote t=%d", localT, remoteT))

	opsValue := fmt.Sprintf("%d", pendingOps)
	if pendingOps > 0 {
		opsValue = warnStyle.Render(opsValue + " awaiting push")
	}
	row("Pending ops", opsValue)
	row("Pending assets", fmt.Sprintf("%d", pendingAssets))
	return strings.TrimRight(b.String(), "\n"), nil
}

// renderSnapshot builds the live portion of the status view.
func renderSnapshot(snap *engine.Snapshot) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	conn := snap.ConnState.String()
	switch conn {
	case "open":
		conn = okStyle.Render(conn)
	case "closed":
		conn = errStyle.Render(conn)
	default:
		conn = warnStyle.Render(conn)
	}
	row("Connection", conn)
	row("Auto-push", onOff(snap.AutoPush))
	row("Remote profiling", onOff(snap.RemoteProfiling))

	names := make([]string, len(snap.OnlineUsers))
	for i, u := range snap.OnlineUsers {
		names[i] = u.Name
	}
	if len(names) == 0 {
		row("Online", "nobody else")
	} else {
		row("Online", strings.Join(names, ", "))
	}
	if snap.LastError != "" {
		row("Last error", errStyle.Render(snap.LastError))
	}
	return strings.TrimRight(b.String(), "\n")
}

func onOff(v bool) string {
	if v {
		return okStyle.Render("on")
	}
	return "off"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
