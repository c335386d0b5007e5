// Copyright 2025 James Ross
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// inferctl is a read-only operator console: it polls the daemon's local
// ops HTTP surface (registry snapshot, audit trail, Prometheus metrics) and
// renders them live. It never dials the inference transport socket — that
// wire client is out of scope for this binary.

type viewMode int

const (
	modeModels viewMode = iota
	modelAudit
)

type modelRow struct {
	HandleID     uint64
	Name         string
	Format       string
	SizeBytes    uint64
	MemoryBytes  uint64
	State        string
	RequestCount uint64
	AvgLatencyMS float64
	LoadedAt     time.Time
}

type modelsMsg struct {
	models           []modelRow
	totalMemoryBytes uint64
	err              error
}

type auditRecord struct {
	AuditID   string
	Timestamp time.Time
	Kind      string
	RequestID uint64
	ModelID   string
	Detail    string
}

type auditMsg struct {
	records []auditRecord
	err     error
}

type metricsMsg struct {
	tokensPerSecByModel map[string]float64
	queueDepthByModel   map[string]float64
	slotsActiveByModel  map[string]float64
	err                 error
}

type tick struct{}

type model struct {
	opsAddr string
	client  *http.Client

	width, height int
	mode          viewMode
	help          help.Model
	spinner       spinner.Model
	errText       string

	tbl table.Model

	auditLines []string

	tokensHistory map[string][]float64
	lastTokens    map[string]float64
	lastSample    time.Time

	queueDepth  map[string]float64
	slotsActive map[string]float64

	refreshEvery time.Duration
}

func initialModel(opsAddr string, refreshEvery time.Duration) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	columns := []table.Column{
		{Title: "Model", Width: 20},
		{Title: "State", Width: 12},
		{Title: "Mem (MB)", Width: 10},
		{Title: "Reqs", Width: 8},
		{Title: "AvgMS", Width: 8},
		{Title: "Queue", Width: 8},
		{Title: "Slots", Width: 8},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true))
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true),
		Selected: lipgloss.NewStyle().Bold(true),
	})

	return model{
		opsAddr:       opsAddr,
		client:        &http.Client{Timeout: 3 * time.Second},
		mode:          modeModels,
		help:          help.New(),
		spinner:       sp,
		tbl:           t,
		tokensHistory: make(map[string][]float64),
		lastTokens:    make(map[string]float64),
		queueDepth:    make(map[string]float64),
		slotsActive:   make(map[string]float64),
		refreshEvery:  refreshEvery,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchModelsCmd(), m.fetchMetricsCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tick{} }), spinner.Tick)
}

func (m model) fetchModelsCmd() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get("http://" + m.opsAddr + "/v1/models")
		if err != nil {
			return modelsMsg{err: err}
		}
		defer resp.Body.Close()
		var body struct {
			Models           []modelRow `json:"models"`
			TotalMemoryBytes uint64     `json:"total_memory_bytes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return modelsMsg{err: err}
		}
		return modelsMsg{models: body.Models, totalMemoryBytes: body.TotalMemoryBytes}
	}
}

func (m model) fetchAuditCmd() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get("http://" + m.opsAddr + "/v1/audit?limit=50")
		if err != nil {
			return auditMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return auditMsg{err: fmt.Errorf("audit endpoint returned %d", resp.StatusCode)}
		}
		var body struct {
			Records []auditRecord `json:"records"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return auditMsg{err: err}
		}
		return auditMsg{records: body.Records}
	}
}

// fetchMetricsCmd scrapes the daemon's Prometheus text endpoint directly,
// the same exposition format any scraper would parse, rather than adding a
// bespoke JSON metrics surface just for this console.
func (m model) fetchMetricsCmd() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get("http://" + m.opsAddr + "/metrics")
		if err != nil {
			return metricsMsg{err: err}
		}
		defer resp.Body.Close()
		var parser expfmt.TextParser
		families, err := parser.TextToMetricFamilies(resp.Body)
		if err != nil {
			return metricsMsg{err: err}
		}
		return metricsMsg{
			tokensPerSecByModel: byModelLabel(families["inferd_batcher_tokens_produced_total"]),
			queueDepthByModel:   byModelLabel(families["inferd_queue_depth"]),
			slotsActiveByModel:  byModelLabel(families["inferd_batcher_slots_active"]),
		}
	}
}

func byModelLabel(mf *dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, metric := range mf.Metric {
		var modelID string
		for _, lp := range metric.Label {
			if lp.GetName() == "model_id" {
				modelID = lp.GetValue()
			}
		}
		if modelID == "" {
			continue
		}
		switch {
		case metric.Counter != nil:
			out[modelID] = metric.Counter.GetValue()
		case metric.Gauge != nil:
			out[modelID] = metric.Gauge.GetValue()
		}
	}
	return out
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			if m.mode == modeModels {
				m.mode = modelAudit
				cmds = append(cmds, m.fetchAuditCmd())
			} else {
				m.mode = modeModels
			}
		case "r":
			cmds = append(cmds, m.fetchModelsCmd(), m.fetchMetricsCmd())
			if m.mode == modelAudit {
				cmds = append(cmds, m.fetchAuditCmd())
			}
		case "j", "down":
			m.tbl.MoveDown(1)
		case "k", "up":
			m.tbl.MoveUp(1)
		}

	case tick:
		cmds = append(cmds, m.fetchModelsCmd(), m.fetchMetricsCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tick{} }))
		if m.mode == modelAudit {
			cmds = append(cmds, m.fetchAuditCmd())
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if m.width > 0 {
			m.tbl.SetWidth(m.width)
		}
		if m.height > 8 {
			m.tbl.SetHeight(m.height - 10)
		}

	case modelsMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
			break
		}
		m.errText = ""
		m.applyModels(msg.models)

	case auditMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
			break
		}
		m.errText = ""
		m.auditLines = formatAuditRecords(msg.records)

	case metricsMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
			break
		}
		m.errText = ""
		m.applyMetrics(msg.tokensPerSecByModel, msg.queueDepthByModel, msg.slotsActiveByModel)

	case spinner.TickMsg:
		var c tea.Cmd
		m.spinner, c = m.spinner.Update(msg)
		cmds = append(cmds, c)
	}
	return m, tea.Batch(cmds...)
}

// applyModels rebuilds the table rows from the latest registry snapshot,
// joining in the most recently sampled queue depth / slot occupancy.
func (m *model) applyModels(models []modelRow) {
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	rows := make([]table.Row, 0, len(models))
	for _, mr := range models {
		rows = append(rows, table.Row{
			mr.Name,
			mr.State,
			fmt.Sprintf("%.1f", float64(mr.MemoryBytes)/(1<<20)),
			fmt.Sprintf("%d", mr.RequestCount),
			fmt.Sprintf("%.1f", mr.AvgLatencyMS),
			fmt.Sprintf("%.0f", m.queueDepth[mr.Name]),
			fmt.Sprintf("%.0f", m.slotsActive[mr.Name]),
		})
	}
	m.tbl.SetRows(rows)
}

// applyMetrics folds one scrape into the per-model tokens/sec sparkline
// history: the counter is cumulative, so the increment since the last
// sample, divided by elapsed time, is the rate.
func (m *model) applyMetrics(tokensTotal, queueDepth, slotsActive map[string]float64) {
	now := time.Now()
	elapsed := now.Sub(m.lastSample).Seconds()
	if elapsed <= 0 {
		elapsed = m.refreshEvery.Seconds()
	}
	for modelID, total := range tokensTotal {
		rate := 0.0
		if prev, ok := m.lastTokens[modelID]; ok && total >= prev {
			rate = (total - prev) / elapsed
		}
		m.lastTokens[modelID] = total
		hist := append(m.tokensHistory[modelID], rate)
		if len(hist) > 120 {
			hist = hist[len(hist)-120:]
		}
		m.tokensHistory[modelID] = hist
	}
	m.lastSample = now
	m.queueDepth = queueDepth
	m.slotsActive = slotsActive
}

func formatAuditRecords(records []auditRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("%s  %-20s  req=%-8d  model=%-16s  %s",
			r.Timestamp.Format(time.RFC3339), r.Kind, r.RequestID, r.ModelID, r.Detail))
	}
	return out
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (m model) View() string {
	header := headerStyle.Render(fmt.Sprintf("inferctl  %s  [%s]", m.opsAddr, modeName(m.mode)))
	var body string
	switch m.mode {
	case modeModels:
		body = m.tbl.View() + "\n\n" + m.renderSparklines()
	case modelAudit:
		body = strings.Join(m.auditLines, "\n")
	}
	footer := helpBar()
	if m.errText != "" {
		footer = errStyle.Render("error: "+m.errText) + "\n" + footer
	}
	return header + "\n\n" + body + "\n\n" + footer
}

func (m model) renderSparklines() string {
	names := make([]string, 0, len(m.tokensHistory))
	for name := range m.tokensHistory {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		series := m.tokensHistory[name]
		if len(series) < 2 {
			continue
		}
		graph := asciigraph.Plot(series, asciigraph.Height(4), asciigraph.Width(60), asciigraph.Caption(name+" tokens/sec"))
		b.WriteString(graph)
		b.WriteString("\n\n")
	}
	return b.String()
}

func modeName(v viewMode) string {
	if v == modelAudit {
		return "Audit"
	}
	return "Models"
}

func helpBar() string {
	return strings.Join([]string{"q:quit", "tab:switch view", "r:refresh", "j/k:down/up"}, "  ")
}

func main() {
	var opsAddr string
	var refresh time.Duration
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&opsAddr, "ops-addr", "127.0.0.1:9091", "Address of the daemon's ops HTTP surface")
	fs.DurationVar(&refresh, "refresh", 2*time.Second, "Poll interval")
	_ = fs.Parse(os.Args[1:])

	m := initialModel(opsAddr, refresh)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "inferctl: %v\n", err)
		os.Exit(1)
	}
}
