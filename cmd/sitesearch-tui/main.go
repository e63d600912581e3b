// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/BetterAndBetterII/SiteSearch/internal/admin"
	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/obs"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/BetterAndBetterII/SiteSearch/internal/redisclient"
	"go.uber.org/zap"
)

// Terminal UI for observing and administering the crawl pipeline: queue
// depths, pending/failed peek, synthetic benchmarking, and purge controls.

type viewMode int

const (
	modeQueues viewMode = iota
	modeFailed
	modePeek
	modeBench
	modeCharts
)

// seriesHistory is how many samples of queue depth each chart keeps.
const seriesHistory = 60

type statsMsg struct {
	s   admin.StatsResult
	err error
}

type keysMsg struct {
	k   admin.KeysStats
	err error
}

type peekMsg struct {
	p   admin.PeekResult
	err error
}

type failedMsg struct {
	items []admin.FailedItem
	err   error
}

type benchMsg struct {
	b   admin.BenchResult
	err error
}

type tick struct{}

// pipelineQueueAliases lists the stage queues in fetch->index order, the
// same order the Supervisor's stages run in.
var pipelineQueueAliases = []string{"url", "crawl", "clean", "index"}

type model struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg    *config.Config
	qm     *queue.Manager
	logger *zap.Logger

	width  int
	height int

	mode    viewMode
	help    help.Model
	spinner spinner.Model
	loading bool
	errText string

	tbl         table.Model
	peekTargets []string

	lastStats  admin.StatsResult
	lastKeys   admin.KeysStats
	lastPeek   admin.PeekResult
	lastFailed []admin.FailedItem
	lastBench  admin.BenchResult

	benchCount   textinput.Model
	benchRate    textinput.Model
	benchQueue   textinput.Model
	benchTimeout textinput.Model

	// series tracks recent Pending depth per stage alias for the charts view.
	series map[string][]float64

	// filter fuzzy-matches the failed-task list by reason/URL text.
	filter       textinput.Model
	filterActive bool

	refreshEvery time.Duration
	tableTopY    int
}

func initialModel(cfg *config.Config, qm *queue.Manager, logger *zap.Logger, refreshEvery time.Duration) model {
	ctx, cancel := context.WithCancel(context.Background())

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	columns := []table.Column{{Title: "Queue", Width: 40}, {Title: "Pending", Width: 10}, {Title: "Failed", Width: 10}}
	t := table.New(table.WithColumns(columns), table.WithFocused(true))
	t.KeyMap.LineUp.SetKeys("k", "up")
	t.KeyMap.LineDown.SetKeys("j", "down")
	t.KeyMap.PageDown.SetKeys("ctrl+f")
	t.KeyMap.PageUp.SetKeys("ctrl+b")
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true),
		Selected: lipgloss.NewStyle().Bold(true),
	})

	bc := textinput.New()
	bc.Placeholder = "count"
	bc.SetValue("1000")
	br := textinput.New()
	br.Placeholder = "rate"
	br.SetValue("500")
	bq := textinput.New()
	bq.Placeholder = "queue"
	bq.SetValue("url")
	bt := textinput.New()
	bt.Placeholder = "timeout (s)"
	bt.SetValue("60")

	fl := textinput.New()
	fl.Placeholder = "filter failed by reason/url..."

	return model{
		ctx:          ctx,
		cancel:       cancel,
		cfg:          cfg,
		qm:           qm,
		logger:       logger,
		mode:         modeQueues,
		help:         help.New(),
		spinner:      sp,
		tbl:          t,
		benchCount:   bc,
		benchRate:    br,
		benchQueue:   bq,
		benchTimeout: bt,
		series:       make(map[string][]float64, len(pipelineQueueAliases)),
		filter:       fl,
		refreshEvery: refreshEvery,
		tableTopY:    3,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tick{} }), spinner.Tick)
}

func (m model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		s, err := admin.Stats(m.ctx, m.cfg, m.qm)
		if err != nil {
			return statsMsg{err: err}
		}
		return statsMsg{s: s}
	}
}

func (m model) fetchKeysCmd() tea.Cmd {
	return func() tea.Msg {
		k, err := admin.StatsKeys(m.ctx, m.cfg, m.qm)
		return keysMsg{k: k, err: err}
	}
}

func (m model) doPeekCmd(target string, n int) tea.Cmd {
	return func() tea.Msg {
		p, err := admin.Peek(m.ctx, m.cfg, m.qm, target, int64(n))
		return peekMsg{p: p, err: err}
	}
}

func (m model) doFailedCmd(target string) tea.Cmd {
	return func() tea.Msg {
		items, err := admin.FailedList(m.ctx, m.cfg, m.qm, target)
		return failedMsg{items: items, err: err}
	}
}

func (m model) doBenchCmd(queueAlias string, count, rate int, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		b, err := admin.Bench(m.ctx, m.cfg, m.qm, queueAlias, count, rate, timeout)
		return benchMsg{b: b, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.cancel()
			return m, tea.Quit
		case "tab":
			if m.mode == modeQueues {
				m.mode = modeFailed
			} else {
				m.mode = modeQueues
			}
			return m, tea.Batch(m.refreshCmd(), m.fetchKeysCmd())
		case "r":
			return m, tea.Batch(m.refreshCmd(), m.fetchKeysCmd())
		case "p":
			if m.mode == modeQueues && len(m.peekTargets) > 0 {
				i := m.tbl.Cursor()
				if i >= 0 && i < len(m.peekTargets) {
					m.loading = true
					m.errText = ""
					m.mode = modePeek
					cmds = append(cmds, m.doPeekCmd(m.peekTargets[i], 10), spinner.Tick)
				}
			}
		case "f":
			if m.mode == modeQueues && len(m.peekTargets) > 0 {
				i := m.tbl.Cursor()
				if i >= 0 && i < len(m.peekTargets) {
					m.loading = true
					m.errText = ""
					m.mode = modeFailed
					cmds = append(cmds, m.doFailedCmd(m.peekTargets[i]), spinner.Tick)
				}
			}
			case "c":
				if m.mode == modeQueues {
					m.mode = modeCharts
				}
			case "/":
				if m.mode == modeFailed {
					m.filterActive = true
					m.filter.Focus()
				}
		case "b":
			m.mode = modeBench
			m.benchCount.Focus()
		case "enter":
			if m.mode == modeBench {
				count := atoiDefault(m.benchCount.Value(), 1000)
				rate := atoiDefault(m.benchRate.Value(), 500)
				q := strings.TrimSpace(m.benchQueue.Value())
				if q == "" {
					q = "url"
				}
				to := time.Duration(atoiDefault(m.benchTimeout.Value(), 60)) * time.Second
				m.loading = true
				m.errText = ""
				cmds = append(cmds, m.doBenchCmd(q, count, rate, to), spinner.Tick)
			}
		case "esc":
			if m.filterActive {
				m.filterActive = false
				m.filter.Blur()
				m.filter.SetValue("")
				break
			}
			if m.mode != modeQueues {
				m.mode = modeQueues
			}
		case "D":
			if m.mode == modeQueues && len(m.peekTargets) > 0 {
				i := m.tbl.Cursor()
				if i >= 0 && i < len(m.peekTargets) {
					target := m.peekTargets[i]
					m.loading = true
					m.errText = ""
					cmds = append(cmds, func() tea.Msg {
						_, err := admin.PurgeFailed(m.ctx, m.cfg, m.qm, target)
						if err != nil {
							return statsMsg{err: err}
						}
						return statsMsg{}
					}, spinner.Tick, m.refreshCmd(), m.fetchKeysCmd())
				}
			}
		case "A":
			m.loading = true
			m.errText = ""
			cmds = append(cmds, func() tea.Msg {
				_, err := admin.PurgeAll(m.ctx, m.cfg, m.qm)
				if err != nil {
					return statsMsg{err: err}
				}
				return statsMsg{}
			}, spinner.Tick, m.refreshCmd(), m.fetchKeysCmd())
		}

		if m.mode == modeBench {
			switch msg.String() {
			case "tab", "shift+tab":
				cycleBenchFocus(&m)
			}
			var c tea.Cmd
			m.benchCount, c = m.benchCount.Update(msg)
			cmds = append(cmds, c)
			m.benchRate, c = m.benchRate.Update(msg)
			cmds = append(cmds, c)
			m.benchQueue, c = m.benchQueue.Update(msg)
			cmds = append(cmds, c)
			m.benchTimeout, c = m.benchTimeout.Update(msg)
			cmds = append(cmds, c)
		}

		if m.filterActive {
			var c tea.Cmd
			m.filter, c = m.filter.Update(msg)
			cmds = append(cmds, c)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.width > 0 {
			m.tbl.SetWidth(m.width)
		}
		if m.height > 6 {
			m.tbl.SetHeight(m.height - 6)
		}
	case tea.MouseMsg:
		if m.mode == modeQueues {
			switch msg.Button {
			case tea.MouseButtonWheelUp:
				if msg.Action == tea.MouseActionPress {
					m.tbl.MoveUp(1)
				}
			case tea.MouseButtonWheelDown:
				if msg.Action == tea.MouseActionPress {
					m.tbl.MoveDown(1)
				}
			case tea.MouseButtonLeft:
				if msg.Action == tea.MouseActionPress {
					rowWithin := msg.Y - (m.tableTopY + 1)
					if rowWithin >= 0 && rowWithin < m.tbl.Height() {
						start := clamp(m.tbl.Cursor()-m.tbl.Height(), 0, m.tbl.Cursor())
						idx := start + rowWithin
						if idx >= 0 && idx < len(m.tbl.Rows()) {
							m.tbl.SetCursor(idx)
						}
					}
				}
			case tea.MouseButtonRight:
				if msg.Action == tea.MouseActionPress && len(m.peekTargets) > 0 {
					i := m.tbl.Cursor()
					if i >= 0 && i < len(m.peekTargets) {
						m.loading = true
						m.errText = ""
						m.mode = modePeek
						cmds = append(cmds, m.doPeekCmd(m.peekTargets[i], 10), spinner.Tick)
					}
				}
			}
		}
	case tick:
		cmds = append(cmds, m.refreshCmd(), m.fetchKeysCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tick{} }))
	case statsMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastStats = msg.s
			m.errText = ""
			rows := []table.Row{}
			m.peekTargets = m.peekTargets[:0]
			for _, alias := range pipelineQueueAliases {
				full := queueFullName(m.cfg, alias)
				metrics := msg.s.Queues[full]
				rows = append(rows, table.Row{alias, fmt.Sprintf("%d", metrics.Pending), fmt.Sprintf("%d", metrics.Failed)})
				m.peekTargets = append(m.peekTargets, alias)
				m.addSample(alias, float64(metrics.Pending))
			}
			m.tbl.SetRows(rows)
			if m.tbl.Cursor() >= len(rows) && len(rows) > 0 {
				m.tbl.SetCursor(len(rows) - 1)
			}
		}
		m.loading = false
	case keysMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastKeys = msg.k
			m.errText = ""
		}
	case peekMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastPeek = msg.p
		}
	case failedMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastFailed = msg.items
		}
	case benchMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastBench = msg.b
		}
	}

	if m.loading {
		var c tea.Cmd
		m.spinner, c = m.spinner.Update(msg)
		cmds = append(cmds, c)
	}
	if m.mode == modeQueues {
		var c tea.Cmd
		m.tbl, c = m.tbl.Update(msg)
		cmds = append(cmds, c)
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("SiteSearch Pipeline TUI — Redis " + m.cfg.Redis.Addr)
	sub := fmt.Sprintf("Mode: %s  |  Queues tracked: %d", modeName(m.mode), len(m.lastStats.Queues))
	if m.errText != "" {
		sub += "  |  Error: " + m.errText
	}
	if m.loading {
		sub += "  " + m.spinner.View()
	}

	body := ""
	switch m.mode {
	case modeQueues:
		body = m.tbl.View()
		body += "\n" + summarizeKeys(m.lastKeys)
		body += "\n" + helpBar()
	case modeFailed:
		if m.filterActive {
			body = "Filter: " + m.filter.View() + "\n\n"
		}
		body += renderFailed(filterFailed(m.lastFailed, m.filter.Value()))
		body += "\n" + helpBar()
	case modePeek:
		body = renderPeek(m.lastPeek)
		body += "\n" + helpBar()
	case modeBench:
		body = renderBenchForm(m)
		if (m.lastBench.Count > 0 && !m.loading) || m.errText != "" {
			body += "\n" + renderBenchResult(m.lastBench)
		}
		body += "\n" + helpBar()
	case modeCharts:
		body = renderCharts(m.series)
		body += "\n" + helpBar()
	}

	return header + "\n" + sub + "\n\n" + body
}

// addSample appends a Pending-depth reading to a stage's rolling history,
// trimmed to seriesHistory points for the charts view.
func (m *model) addSample(alias string, v float64) {
	arr := append(m.series[alias], v)
	if len(arr) > seriesHistory {
		arr = arr[len(arr)-seriesHistory:]
	}
	m.series[alias] = arr
}

// queueFullName resolves a stage alias (url|crawl|clean|index) to the
// configured queue name admin.Stats keys its result by.
func queueFullName(cfg *config.Config, alias string) string {
	switch alias {
	case "url":
		return cfg.Pipeline.URLQueue
	case "crawl":
		return cfg.Pipeline.CrawlQueue
	case "clean":
		return cfg.Pipeline.CleanQueue
	case "index":
		return cfg.Pipeline.IndexQueue
	default:
		return alias
	}
}

func summarizeKeys(k admin.KeysStats) string {
	keys := make([]string, 0, len(k.QueueLengths))
	for name := range k.QueueLengths {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, name := range keys {
		m := k.QueueLengths[name]
		parts = append(parts, fmt.Sprintf("%s=%d", name, m.Pending))
	}
	return strings.Join(parts, "  |  ")
}

func renderFailed(items []admin.FailedItem) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Failed tasks: %d\n", len(items))
	for _, it := range items {
		fmt.Fprintf(b, "  %-36s %-8s retries=%d  %s\n", it.TaskID, it.Queue, it.Retries, it.Reason)
	}
	return b.String()
}

// filterFailed fuzzy-matches failed items against query by queue/reason/url,
// ranked best-match first; an empty query returns items unchanged.
func filterFailed(items []admin.FailedItem, query string) []admin.FailedItem {
	query = strings.TrimSpace(query)
	if query == "" {
		return items
	}
	labels := make([]string, len(items))
	for i, it := range items {
		labels[i] = it.Queue + " " + it.Reason + " " + it.URL
	}
	ranks := fuzzy.RankFindNormalizedFold(query, labels)
	sort.Sort(ranks)
	out := make([]admin.FailedItem, 0, len(ranks))
	for _, rk := range ranks {
		out = append(out, items[rk.OriginalIndex])
	}
	return out
}

// renderCharts plots each stage's recent Pending-depth history side by side.
func renderCharts(series map[string][]float64) string {
	b := &strings.Builder{}
	for _, alias := range pipelineQueueAliases {
		data := series[alias]
		if len(data) < 2 {
			fmt.Fprintf(b, "%s: (warming up)\n\n", alias)
			continue
		}
		graph := asciigraph.Plot(data, asciigraph.Height(8), asciigraph.Width(60), asciigraph.Caption(alias+" pending"))
		fmt.Fprintf(b, "%s\n\n", graph)
	}
	return b.String()
}

func renderPeek(p admin.PeekResult) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Peek: %s\n", p.Queue)
	if len(p.Items) == 0 {
		fmt.Fprintf(b, "(no items)\n")
		return b.String()
	}
	for i := len(p.Items) - 1; i >= 0; i-- {
		it := p.Items[i]
		var v map[string]any
		if json.Unmarshal([]byte(it), &v) == nil {
			pp, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintf(b, "[%d]\n%s\n\n", i, string(pp))
		} else {
			fmt.Fprintf(b, "[%d] %s\n", i, it)
		}
	}
	return b.String()
}

func renderBenchForm(m model) string {
	return strings.Join([]string{
		"Bench (enter to run, esc to back):",
		fmt.Sprintf("  Count:   %s", m.benchCount.View()),
		fmt.Sprintf("  Rate/s:  %s", m.benchRate.View()),
		fmt.Sprintf("  Queue:   %s", m.benchQueue.View()),
		fmt.Sprintf("  Timeout: %s seconds", m.benchTimeout.View()),
	}, "\n")
}

func renderBenchResult(b admin.BenchResult) string {
	if b.Count == 0 {
		return ""
	}
	return fmt.Sprintf("Bench: count=%d  duration=%s  thr=%.1f/s  p50=%s  p95=%s",
		b.Count, b.Duration.Truncate(time.Millisecond), b.Throughput, b.P50.Truncate(time.Millisecond), b.P95.Truncate(time.Millisecond))
}

func helpBar() string {
	return strings.Join([]string{
		"q:quit",
		"tab:switch view",
		"r:refresh",
		"j/k:down/up",
		"wheel/mouse: scroll/select",
		"right-click: peek",
		"p:peek",
		"f:failed",
		"c:charts",
		"/:filter (in failed view)",
		"b:bench",
		"D:purge failed",
		"A:purge ALL",
	}, "  ")
}

func modeName(m viewMode) string {
	switch m {
	case modeQueues:
		return "Queues"
	case modeFailed:
		return "Failed"
	case modePeek:
		return "Peek"
	case modeBench:
		return "Bench"
	case modeCharts:
		return "Charts"
	default:
		return "?"
	}
}

func cycleBenchFocus(m *model) {
	if m.benchCount.Focused() {
		m.benchCount.Blur()
		m.benchRate.Focus()
		return
	}
	if m.benchRate.Focused() {
		m.benchRate.Blur()
		m.benchQueue.Focus()
		return
	}
	if m.benchQueue.Focused() {
		m.benchQueue.Blur()
		m.benchTimeout.Focus()
		return
	}
	m.benchTimeout.Blur()
	m.benchCount.Focus()
}

func atoiDefault(s string, def int) int {
	var v int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &v)
	if err != nil {
		return def
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func main() {
	var configPath string
	var refresh time.Duration
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.DurationVar(&refresh, "refresh", 2*time.Second, "Refresh interval for stats")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		fmt.Fprintf(os.Stderr, "redis ping failed: %v\n", err)
	}
	qm := queue.New(rdb)

	m := initialModel(cfg, qm, logger, refresh)
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
		os.Exit(1)
	}
}
