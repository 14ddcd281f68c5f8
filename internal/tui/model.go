// Package tui renders download progress in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mohaanymo/hlsfetch"
)

// Messages
type (
	progressMsg hlsfetch.ProgressUpdate
	tickMsg     time.Time
	// StateMsg reports a downloader state change.
	StateMsg struct{ State hlsfetch.State }
	// DoneMsg carries the final result and ends the program.
	DoneMsg struct{ Result *hlsfetch.Result }
)

// States
type appState int

const (
	stateStarting appState = iota
	stateDownloading
	stateMerging
	stateVerifying
	stateStopping
	stateDone
	stateWarning
	stateError
)

type trackProgress struct {
	label         string
	track         hlsfetch.TrackType
	totalSegments int
	doneSegments  int
	failed        int
	downloadBytes int64
}

// Model is the progress view of one download.
type Model struct {
	state  appState
	width  int
	height int
	frame  int
	title  string
	url    string
	cancel context.CancelFunc

	progressCh <-chan hlsfetch.ProgressUpdate

	tracks        map[string]*trackProgress
	trackOrder    []string
	totalSegments int
	doneSegments  int
	downloaded    int64
	startTime     time.Time
	speed         float64
	eta           time.Duration
	result        *hlsfetch.Result
}

// NewModel creates the view. cancel is called when the user asks to stop.
func NewModel(title, url string, updates <-chan hlsfetch.ProgressUpdate, cancel context.CancelFunc) *Model {
	return &Model{
		title:      title,
		url:        url,
		cancel:     cancel,
		progressCh: updates,
		tracks:     make(map[string]*trackProgress),
		startTime:  time.Now(),
		state:      stateStarting,
		width:      80,
		height:     24,
	}
}

// Result returns the result delivered by DoneMsg, if any.
func (m *Model) Result() *hlsfetch.Result {
	return m.result
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.listenProgress(), tick())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// The download reports back with DoneMsg once it has stopped.
			if m.state < stateStopping {
				m.state = stateStopping
				if m.cancel != nil {
					m.cancel()
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case progressMsg:
		m.handleProgress(hlsfetch.ProgressUpdate(msg))
		return m, m.listenProgress()

	case StateMsg:
		m.handleState(msg.State)

	case tickMsg:
		m.frame++
		m.updateSpeed()
		return m, tick()

	case DoneMsg:
		m.result = msg.Result
		switch {
		case msg.Result == nil || msg.Result.Failed():
			m.state = stateError
		case msg.Result.Warning() != nil:
			m.state = stateWarning
		default:
			m.state = stateDone
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) View() string {
	w := clamp(m.width-4, 60, 100)

	var b strings.Builder
	b.WriteString(m.viewHeader(w))
	b.WriteString("\n\n")
	b.WriteString(m.viewContent(w))

	return b.String()
}

func (m *Model) viewHeader(w int) string {
	title := titleStyle.Render("hlsfetch")
	subtitle := dimStyle.Render(" " + m.title)

	urlLabel := labelStyle.Render("url:")
	urlValue := dimStyle.Render(truncate(m.url, w-12))

	return headerStyle.Width(w).Render(title + subtitle + "\n" + urlLabel + " " + urlValue)
}

func (m *Model) viewContent(w int) string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render("Tracks"))
	b.WriteString("\n\n")

	if len(m.trackOrder) == 0 {
		b.WriteString(dimStyle.Render("waiting for segments"))
		b.WriteString("\n")
	}
	for _, key := range m.trackOrder {
		b.WriteString(m.renderTrack(m.tracks[key]))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render("Progress"))
	b.WriteString("\n\n")
	b.WriteString(m.renderOverallProgress(w - 6))
	b.WriteString("\n\n")
	b.WriteString(m.renderStats())
	b.WriteString("\n\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return contentStyle.Width(w).Render(b.String())
}

func (m *Model) renderTrack(tp *trackProgress) string {
	var b strings.Builder

	switch tp.track {
	case hlsfetch.TrackSubtitle:
		b.WriteString(subtitleBadge.Render("SUB"))
	case hlsfetch.TrackAudio:
		b.WriteString(audioBadge.Render("AUDIO"))
	default:
		b.WriteString(videoBadge.Render("VIDEO"))
	}
	b.WriteString(" ")
	b.WriteString(normalStyle.Render(fmt.Sprintf("%-8s", tp.label)))
	b.WriteString(" ")

	pct := ratio(tp.doneSegments, tp.totalSegments)
	b.WriteString(bar(pct, 30))
	b.WriteString(" ")
	b.WriteString(statValueStyle.Render(fmt.Sprintf("%3.0f%%", pct*100)))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d/%d)", tp.doneSegments, tp.totalSegments)))
	if tp.failed > 0 {
		b.WriteString(" ")
		b.WriteString(warningStyle.Render(fmt.Sprintf("%d deferred", tp.failed)))
	}

	return b.String()
}

func (m *Model) renderOverallProgress(w int) string {
	pct := ratio(m.doneSegments, m.totalSegments)
	return bar(pct, clamp(w-20, 20, 80)) + " " + statValueStyle.Render(fmt.Sprintf("%.1f%%", pct*100))
}

func (m *Model) renderStats() string {
	stats := []struct {
		label string
		value string
	}{
		{"Speed", fmt.Sprintf("%.2f MB/s", m.speed/1024/1024)},
		{"Downloaded", formatBytes(m.downloaded)},
		{"Elapsed", formatDuration(time.Since(m.startTime))},
		{"ETA", formatDuration(m.eta)},
	}

	var parts []string
	for _, s := range stats {
		parts = append(parts, statLabelStyle.Render(s.label+": ")+statValueStyle.Render(s.value))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) renderStatus() string {
	spin := spinnerStyle.Render(spinner[m.frame%len(spinner)])
	switch m.state {
	case stateStarting:
		return spin + dimStyle.Render(" fetching manifest...")
	case stateDownloading:
		return spin + dimStyle.Render(" downloading segments...")
	case stateMerging:
		return spin + warningStyle.Render(" merging tracks...")
	case stateVerifying:
		return spin + warningStyle.Render(" checking duration...")
	case stateStopping:
		return spin + warningStyle.Render(" stopping...")
	case stateDone:
		return successStyle.Render("✓ saved " + m.result.Path)
	case stateWarning:
		return warningStyle.Render(fmt.Sprintf("! saved %s: %v", m.result.Path, m.result.Err))
	case stateError:
		if m.result != nil && m.result.Stopped {
			return errorStyle.Render("✗ stopped")
		}
		if m.result != nil && m.result.Err != nil {
			return errorStyle.Render(fmt.Sprintf("✗ error: %v", m.result.Err))
		}
		return errorStyle.Render("✗ failed")
	}
	return ""
}

func (m *Model) renderHelp() string {
	return helpStyle.Render(
		keyHelpStyle.Render("q") + " / " + keyHelpStyle.Render("ctrl+c") + " stop",
	)
}

func (m *Model) handleProgress(p hlsfetch.ProgressUpdate) {
	key := p.Track.String()
	label := p.Track.String()
	if p.Language != "" {
		key += ":" + p.Language
		label = p.Language
	}

	tp, ok := m.tracks[key]
	if !ok {
		tp = &trackProgress{label: label, track: p.Track, totalSegments: p.Total}
		m.tracks[key] = tp
		m.trackOrder = append(m.trackOrder, key)
		m.totalSegments += p.Total
	}
	if p.Completed {
		tp.doneSegments++
		m.doneSegments++
	} else {
		tp.failed++
	}
	tp.downloadBytes += p.BytesLoaded
	m.downloaded += p.BytesLoaded
	if m.state == stateStarting {
		m.state = stateDownloading
	}
}

func (m *Model) handleState(s hlsfetch.State) {
	if m.state >= stateStopping {
		return
	}
	switch s {
	case hlsfetch.StateDownloading:
		m.state = stateDownloading
	case hlsfetch.StateMerging:
		m.state = stateMerging
	case hlsfetch.StateVerifying:
		m.state = stateVerifying
	}
}

func (m *Model) updateSpeed() {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed > 0 {
		m.speed = float64(m.downloaded) / elapsed
	}

	remaining := m.totalSegments - m.doneSegments
	if m.speed > 0 && remaining > 0 && m.doneSegments > 0 {
		avgSegSize := float64(m.downloaded) / float64(m.doneSegments)
		m.eta = time.Duration(float64(remaining) * avgSegSize / m.speed * float64(time.Second))
	}
}

// listenProgress waits for the next update. A closed channel ends the
// listening loop; DoneMsg still has to arrive to quit.
func (m *Model) listenProgress() tea.Cmd {
	return func() tea.Msg {
		p, ok := <-m.progressCh
		if !ok {
			return nil
		}
		return progressMsg(p)
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Helpers

func bar(pct float64, width int) string {
	filled := clamp(int(pct*float64(width)), 0, width)
	return progressActive.Render(strings.Repeat("█", filled)) +
		progressWait.Render(strings.Repeat("░", width-filled))
}

func ratio(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total)
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

func truncate(s string, n int) string {
	if len(s) <= n || n < 4 {
		return s
	}
	return s[:n-3] + "..."
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
