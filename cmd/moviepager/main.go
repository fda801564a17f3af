// Command moviepager browses TMDB popular movies and search results as an
// infinitely scrolling list driven from a line-oriented prompt.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/client"
	"github.com/Sternrassler/movie-pager/pkg/config"
	"github.com/Sternrassler/movie-pager/pkg/favourites"
	"github.com/Sternrassler/movie-pager/pkg/logging"
	"github.com/Sternrassler/movie-pager/pkg/metrics"
	"github.com/Sternrassler/movie-pager/pkg/pagination"
	"github.com/Sternrassler/movie-pager/pkg/storage"
	"github.com/rs/zerolog"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file (default: search user config dir and .)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("moviepager", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error().Err(err).Msg("moviepager failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the application and serves commands from in until EOF, quit or
// ctx cancellation.
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, out, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if !cfg.HasCredentials() {
		a.printf("no API key configured; set MOVIEPAGER_API_KEY or TMDB_API_KEY\n")
	}
	if err := a.search(ctx, ""); err != nil {
		a.printf("popular: %v\n", err)
	}
	return a.loop(ctx, in)
}

// newApp opens storage, the TMDB client, favourites and the paging session.
func newApp(ctx context.Context, cfg *config.Config, out io.Writer, logger zerolog.Logger) (*app, error) {
	a := &app{out: out}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	tmdb, err := client.New(client.ConfigFrom(cfg, store))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	a.client = tmdb
	a.closers = append(a.closers, tmdb.Close)

	if n, err := tmdb.Hydrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("Detail cache not restored")
	} else {
		logger.Debug().Int("entries", n).Msg("Detail cache restored")
	}

	a.favs, err = favourites.Open(ctx, store, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Favourites not restored")
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.Start(cfg.Metrics.Addr, logger)
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	session, err := pagination.NewSession(tmdb, tmdb, a, pagination.ConfigFrom(cfg))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	a.session = session
	a.closers = append(a.closers, session.Close)

	return a, nil
}

// app renders session updates and executes prompt commands.
type app struct {
	session *pagination.Session
	client  *client.Client
	favs    *favourites.Set

	outMu sync.Mutex
	out   io.Writer

	mu  sync.Mutex
	top int

	closers []func() error
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OnUpdate follows scroll jumps; the list is printed after each command.
func (a *app) OnUpdate(u pagination.Update) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u.ScrollTo >= 0 {
		a.top = u.ScrollTo
	}
}

// OnError prints failures as they happen.
func (a *app) OnError(err *pagination.FetchError) {
	hint := ""
	if err.Retryable {
		hint = fmt.Sprintf(" (type 'retry %d')", err.Page)
	}
	a.printf("page %d failed: %v%s\n", err.Page, err.Err, hint)
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	a.printf("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handle(ctx, line)
			if err != nil {
				a.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			a.printf("> ")
		}
	}
}

const pageRows = 10

var errUsage = errors.New("usage")

// handle executes one command line and reports whether to quit.
func (a *app) handle(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		a.printf("%s", helpText)
		return false, nil

	case "popular":
		return false, a.search(ctx, "")

	case "search", "s":
		return false, a.search(ctx, strings.Join(args, " "))

	case "next", "n":
		if err := a.session.LoadNext(ctx); err != nil {
			return false, err
		}
		a.render()

	case "prev", "p":
		if err := a.session.LoadPrevious(ctx); err != nil {
			return false, err
		}
		a.render()

	case "retry":
		page, err := intArg(args, 0)
		if err != nil {
			return false, err
		}
		if err := a.session.Retry(ctx, page); err != nil {
			return false, err
		}
		a.render()

	case "scroll":
		first, err := intArg(args, 0)
		if err != nil {
			return false, err
		}
		a.scroll(first)
		a.render()

	case "focus":
		a.session.Focus()

	case "filter":
		if len(args) == 1 && args[0] == "off" {
			a.session.SetFilter(nil)
		} else {
			r, err := floatArg(args, 0)
			if err != nil {
				return false, err
			}
			a.session.SetFilter(pagination.MinRating(r))
		}
		a.render()

	case "detail", "d":
		e, err := a.entryArg(args)
		if err != nil {
			return false, err
		}
		d, err := a.client.FetchDetail(ctx, e.Movie.ID)
		if err != nil {
			return false, err
		}
		a.printf("%s (%s) %.1f/10, %d min\n%s\n", d.Title, d.ReleaseDate, d.VoteAverage, d.Runtime, d.Overview)
		if d.PosterPath != "" {
			a.printf("poster: %s\n", a.client.ImageURL(d.PosterPath))
		}

	case "fav", "f":
		e, err := a.entryArg(args)
		if err != nil {
			return false, err
		}
		if a.favs.Toggle(ctx, e.Movie) {
			a.printf("added %s\n", e.Movie.Title)
		} else {
			a.printf("removed %s\n", e.Movie.Title)
		}

	case "favs":
		list := a.favs.List()
		if len(list) == 0 {
			a.printf("no favourites\n")
		}
		for _, m := range list {
			a.printf("  %-8d %s\n", m.ID, m.Title)
		}

	case "list", "l":
		a.render()

	case "status":
		snap := a.session.Snapshot()
		rl := a.client.RateLimitState()
		a.printf("query=%q generation=%d window=%s total_pages=%d pending=%v cooldown=%s\n",
			snap.Query, snap.Generation, snap.Window, snap.TotalPages, snap.Pending,
			rl.TimeUntilReset(time.Now()).Round(time.Second))

	default:
		return false, fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
	return false, nil
}

func (a *app) search(ctx context.Context, q string) error {
	if err := a.session.Search(ctx, q); err != nil {
		return err
	}
	a.render()
	return nil
}

// scroll moves the visible rows to start at first and reports them to the
// session, which may load or prefetch neighbouring pages.
func (a *app) scroll(first int) {
	entries := a.session.Entries()
	first = max(0, min(first, len(entries)-1))
	last := min(first+pageRows, len(entries)) - 1

	ids := make([]int, 0, pageRows)
	for _, e := range entries[first : last+1] {
		if id := e.ID(); id != 0 {
			ids = append(ids, id)
		}
	}

	a.mu.Lock()
	a.top = first
	a.mu.Unlock()

	edges := a.session.ReportViewport(pagination.Viewport{
		First: first,
		Last:  last,
		Len:   len(entries),
		IDs:   ids,
	})
	if edges.NearEnd {
		a.printf("loading more...\n")
	}
}

// render prints the rows around the current scroll position.
func (a *app) render() {
	entries := a.session.Entries()
	snap := a.session.Snapshot()

	a.mu.Lock()
	top := max(0, min(a.top, len(entries)-1))
	a.mu.Unlock()

	title := "Popular"
	if snap.Query != "" {
		title = fmt.Sprintf("Search %q", snap.Query)
	}

	a.outMu.Lock()
	defer a.outMu.Unlock()

	fmt.Fprintf(a.out, "%s: %d movies, pages %s of %d\n", title, len(entries), snap.Window, snap.TotalPages)
	if len(entries) == 0 {
		if snap.Loading {
			fmt.Fprintln(a.out, "  loading...")
		} else {
			fmt.Fprintln(a.out, "  nothing to show")
		}
		return
	}
	for i := top; i < min(top+pageRows, len(entries)); i++ {
		e := entries[i]
		if e.Kind == pagination.EntryPlaceholder {
			fmt.Fprintf(a.out, "  %4d  ...\n", i)
			continue
		}
		star := " "
		if a.favs.Contains(e.Movie.ID) {
			star = "*"
		}
		fmt.Fprintf(a.out, "  %4d %s %-40s %4.1f  %s\n", i, star, e.Movie.Title, e.Movie.VoteAverage, e.Movie.ReleaseDate)
	}
}

func (a *app) entryArg(args []string) (pagination.Entry, error) {
	i, err := intArg(args, 0)
	if err != nil {
		return pagination.Entry{}, err
	}
	entries := a.session.Entries()
	if i < 0 || i >= len(entries) || entries[i].Kind != pagination.EntryMovie {
		return pagination.Entry{}, fmt.Errorf("no movie at index %d", i)
	}
	return entries[i], nil
}

func intArg(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, errUsage
	}
	return strconv.Atoi(args[i])
}

func floatArg(args []string, i int) (float64, error) {
	if i >= len(args) {
		return 0, errUsage
	}
	return strconv.ParseFloat(args[i], 64)
}

const helpText = `commands:
  popular              show popular movies
  search <text>        search movies
  next | prev          load the page after / before the list
  scroll <index>       move the view to an entry
  retry <page>         retry a failed page
  filter <min>|off     only show movies rated at least min
  detail <index>       show a movie's details
  fav <index>          toggle a favourite
  favs                 list favourites
  focus                simulate the window regaining focus
  list | status        show the list / paging state
  quit
`
