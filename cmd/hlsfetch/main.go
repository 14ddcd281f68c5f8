package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mohaanymo/hlsfetch"
	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/tui"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

type flags struct {
	output         string
	configFile     string
	workDir        string
	languages      []string
	resolution     int
	proxies        []string
	userAgents     []string
	threads        int
	headers        []string
	cookies        string
	maxBandwidth   int64
	parallelTracks bool
	keepTemp       bool
	transcode      bool
	ffmpeg         string
	ffprobe        string
	noProgress     bool
	verbose        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	rootCmd := &cobra.Command{
		Use:     "hlsfetch [url]",
		Short:   "Download an HLS stream into a single MP4 file",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, f, args[0])
		},
		SilenceUsage: true,
	}

	fl := rootCmd.Flags()
	fl.StringVarP(&f.output, "output", "o", config.DefaultFileName, "Output file path (.mp4 is enforced)")
	fl.StringVarP(&f.configFile, "config", "c", "", "YAML config file")
	fl.StringVar(&f.workDir, "work-dir", "", "Parent directory for temporary files (default: system temp)")
	fl.StringSliceVarP(&f.languages, "languages", "l", nil, "Audio and subtitle languages, in merge order (e.g. en,it)")
	fl.IntVarP(&f.resolution, "resolution", "r", 0, "Video height, e.g. 720 (default: best)")
	fl.StringSliceVar(&f.proxies, "proxy", nil, "Proxy for segment requests (repeatable; http, https, socks5)")
	fl.StringSliceVar(&f.userAgents, "user-agent", nil, "User-Agent to send (repeatable, rotated across proxies)")
	fl.IntVarP(&f.threads, "threads", "n", config.DefaultVideoWorkers, "Concurrent segment downloads")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, "Custom header \"Name: value\" (repeatable)")
	fl.StringVar(&f.cookies, "cookie", "", "Cookies for requests")
	fl.Int64Var(&f.maxBandwidth, "max-bandwidth", 0, "Download limit in bytes per second")
	fl.BoolVarP(&f.parallelTracks, "parallel-tracks", "P", false, "Download audio and subtitle tracks concurrently")
	fl.BoolVar(&f.keepTemp, "keep-temp", false, "Keep the working directory")
	fl.BoolVar(&f.transcode, "transcode", false, "Re-encode instead of copying streams")
	fl.StringVar(&f.ffmpeg, "ffmpeg", "ffmpeg", "Path to ffmpeg")
	fl.StringVar(&f.ffprobe, "ffprobe", "ffprobe", "Path to ffprobe")
	fl.BoolVar(&f.noProgress, "no-progress", false, "Log to stderr instead of showing the progress view")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Verbose output")
	return rootCmd
}

// options turns the flags into downloader options. The config file goes
// first and explicitly set flags override it.
func options(cmd *cobra.Command, f *flags, url string) ([]hlsfetch.Option, error) {
	changed := cmd.Flags().Changed

	var opts []hlsfetch.Option
	if f.configFile != "" {
		opts = append(opts, hlsfetch.WithConfigFile(f.configFile))
	}
	opts = append(opts, hlsfetch.WithURL(url))

	if changed("output") || f.configFile == "" {
		dir, name := filepath.Split(f.output)
		opts = append(opts, hlsfetch.WithDir(dir), hlsfetch.WithFileName(name))
	}
	if changed("work-dir") {
		opts = append(opts, hlsfetch.WithWorkDir(f.workDir))
	}
	if changed("languages") {
		opts = append(opts, hlsfetch.WithLanguages(f.languages...))
	}
	if changed("resolution") {
		opts = append(opts, hlsfetch.WithResolution(f.resolution))
	}
	if changed("proxy") {
		opts = append(opts, hlsfetch.WithProxies(f.proxies...))
	}
	if changed("user-agent") {
		opts = append(opts, hlsfetch.WithUserAgents(f.userAgents...))
	}
	if changed("threads") {
		opts = append(opts, hlsfetch.WithThreads(f.threads))
	}
	if len(f.headers) > 0 {
		headers, err := parseHeaders(f.headers)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hlsfetch.WithHeaders(headers))
	}
	if changed("cookie") {
		opts = append(opts, hlsfetch.WithCookies(f.cookies))
	}
	if changed("max-bandwidth") {
		opts = append(opts, hlsfetch.WithMaxBandwidth(f.maxBandwidth))
	}
	if changed("parallel-tracks") {
		opts = append(opts, hlsfetch.WithParallelTracks(f.parallelTracks))
	}
	if changed("keep-temp") {
		opts = append(opts, hlsfetch.WithKeepTemp(f.keepTemp))
	}
	if changed("transcode") {
		opts = append(opts, hlsfetch.WithTranscode(f.transcode))
	}
	if changed("ffmpeg") || changed("ffprobe") {
		opts = append(opts, hlsfetch.WithFFmpeg(f.ffmpeg, f.ffprobe))
	}
	if changed("verbose") {
		opts = append(opts, hlsfetch.WithVerbose(f.verbose))
	}
	return opts, nil
}

func run(ctx context.Context, cmd *cobra.Command, f *flags, url string) error {
	opts, err := options(cmd, f, url)
	if err != nil {
		return err
	}

	if f.noProgress {
		opts = append(opts, hlsfetch.WithLogger(config.NewLogger(os.Stderr, f.verbose)))
		return report(cmd, runPlain(ctx, opts))
	}

	// The progress view owns the terminal; logs would tear it.
	opts = append(opts, hlsfetch.WithLogger(config.NewLogger(io.Discard, false)))
	res, err := runTUI(ctx, url, opts)
	if err != nil {
		return err
	}
	return report(cmd, res)
}

func runPlain(ctx context.Context, opts []hlsfetch.Option) *hlsfetch.Result {
	d, err := hlsfetch.New(opts...)
	if err != nil {
		return configFailure(err)
	}
	defer d.Close()
	return d.Download(ctx)
}

func runTUI(ctx context.Context, url string, opts []hlsfetch.Option) (*hlsfetch.Result, error) {
	d, err := hlsfetch.New(opts...)
	if err != nil {
		return configFailure(err), nil
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewModel(filepath.Base(url), url, d.Progress(), cancel)
	p := tea.NewProgram(model, tea.WithAltScreen())
	d.OnState(func(s hlsfetch.State) {
		p.Send(tui.StateMsg{State: s})
	})

	done := make(chan *hlsfetch.Result, 1)
	go func() {
		res := d.Download(ctx)
		done <- res
		p.Send(tui.DoneMsg{Result: res})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("progress view: %w", err)
	}
	return <-done, nil
}

func configFailure(err error) *hlsfetch.Result {
	me := &hlsfetch.Error{Kind: hlsfetch.KindConfig, Op: "configure", Index: -1, Err: err}
	return &hlsfetch.Result{State: hlsfetch.StateFailed, Err: me, Kind: me.Kind}
}

// report prints the outcome. A duration warning still exits 0.
func report(cmd *cobra.Command, res *hlsfetch.Result) error {
	out := cmd.OutOrStdout()
	switch {
	case res.Stopped:
		fmt.Fprintln(out, "Stopped")
		return failure(res)
	case res.Failed():
		for _, t := range res.Tracks {
			if len(t.Missing) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: missing segments %v\n", t.Type, t.Language, t.Missing)
			}
		}
		return failure(res)
	case res.Warning() != nil:
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", res.Warning())
		fmt.Fprintf(out, "Saved to: %s\n", res.Path)
	default:
		fmt.Fprintf(out, "Saved to: %s\n", res.Path)
	}
	return nil
}

func failure(res *hlsfetch.Result) error {
	if res.Err == nil {
		return fmt.Errorf("download %s", res.State)
	}
	return res.Err
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}
