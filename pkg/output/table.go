package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// UpstreamSummary contains data for the upstream status table.
type UpstreamSummary struct {
	Name      string
	Transport string // stdio, sse, websocket, streamable-http
	Status    string // connected, disconnected, error
	Tools     int
	Error     string
}

// GatewaySummary contains data for the gateway status table.
type GatewaySummary struct {
	Name    string
	Listen  string
	PID     int
	Status  string // running, stopped
	Started string // human-readable duration
}

// ToolSummary contains data for the tool listing table.
type ToolSummary struct {
	Name        string
	Server      string
	Description string
	Enabled     bool
}

// Upstreams prints the per-upstream status table.
func (p *Printer) Upstreams(upstreams []UpstreamSummary) {
	if len(upstreams) == 0 {
		return
	}

	p.Section("UPSTREAMS")

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	hasErrors := false
	for _, u := range upstreams {
		if u.Error != "" {
			hasErrors = true
			break
		}
	}

	if hasErrors {
		t.AppendHeader(table.Row{"Name", "Transport", "Status", "Tools", "Error"})
	} else {
		t.AppendHeader(table.Row{"Name", "Transport", "Status", "Tools"})
	}

	for _, u := range upstreams {
		status := u.Status
		if p.isTTY {
			status = colorState(u.Status)
		}
		if hasErrors {
			t.AppendRow(table.Row{u.Name, u.Transport, status, u.Tools, u.Error})
		} else {
			t.AppendRow(table.Row{u.Name, u.Transport, status, u.Tools})
		}
	}

	t.Render()
	p.Println()
}

// Gateways prints the gateway instance table.
func (p *Printer) Gateways(gateways []GatewaySummary) {
	if len(gateways) == 0 {
		return
	}

	p.Section("GATEWAYS")

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Name", "Listen", "PID", "Status", "Started"})

	for _, g := range gateways {
		status := g.Status
		if p.isTTY {
			status = colorState(g.Status)
		}
		t.AppendRow(table.Row{g.Name, g.Listen, g.PID, status, g.Started})
	}

	t.Render()
	p.Println()
}

// Tools prints the aggregated tool table.
func (p *Printer) Tools(tools []ToolSummary) {
	if len(tools) == 0 {
		return
	}

	p.Section("TOOLS")

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Name", "Server", "Enabled", "Description"})

	for _, tool := range tools {
		enabled := "no"
		if tool.Enabled {
			enabled = "yes"
		}
		if p.isTTY {
			if tool.Enabled {
				enabled = lipgloss.NewStyle().Foreground(ColorGreen).Render(enabled)
			} else {
				enabled = lipgloss.NewStyle().Foreground(ColorMuted).Render(enabled)
			}
		}
		t.AppendRow(table.Row{tool.Name, tool.Server, enabled, truncate(tool.Description, 60)})
	}

	t.Render()
	p.Println()
}

// colorState applies color to a status string.
func colorState(state string) string {
	var style lipgloss.Style
	switch state {
	case "connected", "running", "ready":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "error", "failed":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	case "connecting", "reconnecting":
		style = lipgloss.NewStyle().Foreground(ColorAmber)
	case "disconnected", "stopped":
		style = lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(state)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// tableStyle returns the standard amber-themed table style.
func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	if p.isTTY {
		style.Color.Header = text.Colors{text.FgHiYellow, text.Bold}
		style.Color.Border = text.Colors{text.FgHiBlack}
	}
	style.Options.SeparateRows = false
	return style
}

// Section prints a section header.
func (p *Printer) Section(title string) {
	if p.isTTY {
		style := lipgloss.NewStyle().Foreground(ColorAmber).Bold(true)
		p.Println(style.Render(title))
	} else {
		p.Println(title)
	}
}
