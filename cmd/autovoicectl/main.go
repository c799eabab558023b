// Command autovoicectl drives playback from a terminal the way a browser
// popup would: every action is relayed through the daemon, and whichever tab
// owns playback stays the single source of truth.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autovoice/autovoice-core/internal/backend"
	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/protocol"
	"github.com/autovoice/autovoice-core/internal/remote"
	"github.com/autovoice/autovoice-core/internal/rules"
	"github.com/autovoice/autovoice-core/internal/store"
)

var version = "0.1.0-dev"

const usageText = `usage: autovoicectl <command> [flags]

commands:
  status    show what is playing anywhere
  tabs      list registered tab agents
  read      extract a tab's page and start reading it aloud
  load      submit raw text for a tab to read
  play      resume the active tab
  pause     pause the active tab
  stop      stop the active tab and discard its audio
  restart   replay the active tab from the start
  seek      jump to an absolute position in seconds
  watch     follow state broadcasts until interrupted
  history   list recent playback sessions
  rules     validate, install, list or try extraction rules
  login     obtain and store a backend token
  synth     synthesize text straight to an MP3 file
  version   print version and exit
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Println(version)
		return
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd string, args []string) error {
	switch cmd {
	case "status":
		fs, configPath := newFlagSet("status")
		_ = fs.Parse(args)
		return withSession(*configPath, 15*time.Second, runStatus)
	case "tabs":
		fs, configPath := newFlagSet("tabs")
		_ = fs.Parse(args)
		return withSession(*configPath, 15*time.Second, runTabs)
	case "play", "pause", "stop", "restart":
		fs, configPath := newFlagSet(cmd)
		_ = fs.Parse(args)
		return withSession(*configPath, 15*time.Second, func(ctx context.Context, s *session) error {
			if err := s.remote.Command(ctx, protocol.Command(cmd)); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		})
	case "seek":
		fs, configPath := newFlagSet("seek")
		_ = fs.Parse(args)
		if fs.Arg(0) == "" {
			return errors.New("usage: autovoicectl seek <seconds>")
		}
		seconds, err := strconv.ParseFloat(fs.Arg(0), 64)
		if err != nil {
			return fmt.Errorf("invalid position %q", fs.Arg(0))
		}
		return withSession(*configPath, 15*time.Second, func(ctx context.Context, s *session) error {
			if err := s.remote.Seek(ctx, seconds); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		})
	case "read":
		fs, configPath := newFlagSet("read")
		tabID := fs.Int("tab", 0, "Target tab id (optional when exactly one tab is registered)")
		website := fs.String("website", "", "Website override (defaults to the tab's label)")
		paused := fs.Bool("paused", false, "Load without starting playback")
		_ = fs.Parse(args)
		return withSession(*configPath, 60*time.Second, func(ctx context.Context, s *session) error {
			return runRead(ctx, s, *tabID, *website, !*paused)
		})
	case "load":
		fs, configPath := newFlagSet("load")
		tabID := fs.Int("tab", 0, "Target tab id (optional when exactly one tab is registered)")
		text := fs.String("text", "", "Text to read")
		file := fs.String("file", "", "Read text from this file instead of -text")
		website := fs.String("website", "", "Website override (defaults to the tab's label)")
		description := fs.String("description", "", "Display title for the loaded text")
		paused := fs.Bool("paused", false, "Load without starting playback")
		_ = fs.Parse(args)
		return withSession(*configPath, 60*time.Second, func(ctx context.Context, s *session) error {
			return runLoad(ctx, s, *tabID, *text, *file, *website, *description, !*paused)
		})
	case "watch":
		fs, configPath := newFlagSet("watch")
		_ = fs.Parse(args)
		return runWatch(*configPath)
	case "history":
		fs, configPath := newFlagSet("history")
		limit := fs.Int("limit", 20, "Maximum sessions to list")
		_ = fs.Parse(args)
		return withSession(*configPath, 15*time.Second, func(ctx context.Context, s *session) error {
			return runHistory(ctx, s, *limit)
		})
	case "rules":
		if len(args) < 1 {
			return errors.New("usage: autovoicectl rules <validate|install|list|try> [flags]")
		}
		return runRules(args[0], args[1:])
	case "login":
		fs, configPath := newFlagSet("login")
		username := fs.String("username", "", "Backend account name")
		password := fs.String("password", "", "Backend account password")
		_ = fs.Parse(args)
		if *username == "" || *password == "" {
			return errors.New("both -username and -password are required")
		}
		return withSession(*configPath, 15*time.Second, func(ctx context.Context, s *session) error {
			if err := s.remote.Login(ctx, *username, *password); err != nil {
				return err
			}
			fmt.Println("logged in")
			return nil
		})
	case "synth":
		fs, configPath := newFlagSet("synth")
		text := fs.String("text", "", "Text to synthesize")
		file := fs.String("file", "", "Read text from this file instead of -text")
		out := fs.String("o", "speech.mp3", "Output file, or - for stdout")
		_ = fs.Parse(args)
		return withSession(*configPath, 5*time.Minute, func(ctx context.Context, s *session) error {
			return runSynth(ctx, s, *text, *file, *out)
		})
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runRules(sub string, args []string) error {
	switch sub {
	case "validate":
		fs := flag.NewFlagSet("rules validate", flag.ExitOnError)
		file := fs.String("file", "rules.yaml", "Path to rules file")
		_ = fs.Parse(args)
		loaded, err := rules.Load(*file)
		if err != nil {
			return err
		}
		if err := rules.Validate(loaded); err != nil {
			return err
		}
		fmt.Printf("%d rules valid\n", len(loaded))
		return nil
	case "install":
		fs, configPath := newFlagSet("rules install")
		file := fs.String("file", "rules.yaml", "Path to rules file")
		_ = fs.Parse(args)
		loaded, err := rules.Load(*file)
		if err != nil {
			return err
		}
		if err := rules.Validate(loaded); err != nil {
			return err
		}
		return withSession(*configPath, 15*time.Second, func(ctx context.Context, s *session) error {
			if err := store.SaveCachedRules(ctx, s.kv, loaded); err != nil {
				return err
			}
			fmt.Printf("installed %d rules\n", len(loaded))
			return nil
		})
	case "list":
		fs, configPath := newFlagSet("rules list")
		_ = fs.Parse(args)
		return withSession(*configPath, 15*time.Second, func(ctx context.Context, s *session) error {
			cached, err := store.LoadCachedRules(ctx, s.kv)
			if err != nil {
				return err
			}
			if len(cached) == 0 {
				fmt.Println("no rules installed")
				return nil
			}
			for _, rule := range cached {
				fmt.Printf("%-40s  %s\n", rule.Website, strings.Join(rule.Selectors, ", "))
			}
			return nil
		})
	case "try":
		fs, configPath := newFlagSet("rules try")
		website := fs.String("website", "", "Website substring the rule applies to")
		selectors := fs.String("selectors", "", "Comma-separated CSS selectors")
		_ = fs.Parse(args)
		if *selectors == "" {
			return errors.New("-selectors is required")
		}
		rule := protocol.Rule{Website: *website}
		for _, sel := range strings.Split(*selectors, ",") {
			if sel = strings.TrimSpace(sel); sel != "" {
				rule.Selectors = append(rule.Selectors, sel)
			}
		}
		return withSession(*configPath, 15*time.Second, func(ctx context.Context, s *session) error {
			if err := store.SavePendingRule(ctx, s.kv, rule); err != nil {
				return err
			}
			fmt.Println("pending rule saved; the next matching read uses it")
			return nil
		})
	default:
		return fmt.Errorf("unknown rules command %q", sub)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "autovoice.yaml", "Path to configuration file")
	return fs, configPath
}

type session struct {
	cfg    config.Config
	bus    *bus.Client
	kv     store.KV
	remote *remote.Client
}

func dial(configPath string) (*session, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus (is autovoiced running?): %w", err)
	}
	kv, err := store.Open(ctx, cfg.Snapshots, busClient, logger)
	if err != nil {
		busClient.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	backendClient := backend.New(cfg.Backend, func(ctx context.Context) (string, error) {
		return store.LoadAuthToken(ctx, kv)
	}, logger)

	return &session{
		cfg:    cfg,
		bus:    busClient,
		kv:     kv,
		remote: remote.New(busClient, kv, backendClient, cfg, logger),
	}, nil
}

func (s *session) close() {
	s.remote.Close()
	_ = s.kv.Close()
	s.bus.Close()
}

func withSession(configPath string, timeout time.Duration, fn func(context.Context, *session) error) error {
	s, err := dial(configPath)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, s)
}

func runStatus(ctx context.Context, s *session) error {
	st, err := s.remote.Mount(ctx, nil)
	if err != nil {
		return err
	}
	printState(st)
	return nil
}

func runTabs(ctx context.Context, s *session) error {
	tabs, err := s.remote.Tabs(ctx)
	if err != nil {
		return err
	}
	if len(tabs) == 0 {
		fmt.Println("no tabs registered")
		return nil
	}
	for _, tab := range tabs {
		fmt.Printf("%3d  %-40s  last seen %s ago\n",
			tab.TabID, tab.Label, time.Since(tab.LastSeen).Round(time.Second))
	}
	return nil
}

func runRead(ctx context.Context, s *session, tabID int, website string, autoPlay bool) error {
	info, err := pickTab(ctx, s, tabID)
	if err != nil {
		return err
	}
	if website == "" {
		website = info.Label
	}

	req, err := s.remote.LoadAndPlay(ctx, info.TabID, website, autoPlay)
	if err != nil {
		return err
	}
	title := req.Description
	if title == "" {
		title = req.Website
	}
	fmt.Printf("reading %q on tab %d (%d characters)\n", title, info.TabID, len(req.Text))
	return nil
}

func runLoad(ctx context.Context, s *session, tabID int, text, file, website, description string, autoPlay bool) error {
	text, err := resolveText(text, file)
	if err != nil {
		return err
	}
	info, err := pickTab(ctx, s, tabID)
	if err != nil {
		return err
	}
	if website == "" {
		website = info.Label
	}

	req := protocol.LoadRequest{
		TabID:       info.TabID,
		Text:        text,
		Website:     website,
		Description: description,
		AutoPlay:    autoPlay,
	}
	if err := s.remote.Load(ctx, req); err != nil {
		return err
	}
	fmt.Printf("tab %d loading %d characters\n", info.TabID, len(text))
	return nil
}

func runWatch(configPath string) error {
	s, err := dial(configPath)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := s.remote.Mount(ctx, printUpdate)
	if err != nil {
		return err
	}
	printState(st)

	<-ctx.Done()
	return nil
}

func runHistory(ctx context.Context, s *session, limit int) error {
	sessions, err := s.remote.History(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no playback sessions recorded")
		return nil
	}
	for _, sess := range sessions {
		id := sess.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("%s  tab %-3d  %-40s  %s\n",
			sess.CreatedAt.Local().Format("2006-01-02 15:04"), sess.TabID, sess.Website, id)
	}
	return nil
}

func runSynth(ctx context.Context, s *session, text, file, out string) error {
	text, err := resolveText(text, file)
	if err != nil {
		return err
	}

	w := os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := s.remote.Synthesize(ctx, text, w)
	if err != nil {
		return err
	}
	if out != "-" {
		fmt.Printf("wrote %d bytes to %s\n", n, out)
	}
	return nil
}

// pickTab resolves the target tab: an explicit id must be registered, and
// with no id a single registered tab is used on its own.
func pickTab(ctx context.Context, s *session, tabID int) (protocol.TabInfo, error) {
	tabs, err := s.remote.Tabs(ctx)
	if err != nil {
		return protocol.TabInfo{}, err
	}
	if tabID != 0 {
		for _, tab := range tabs {
			if tab.TabID == tabID {
				return tab, nil
			}
		}
		return protocol.TabInfo{}, fmt.Errorf("tab %d is not registered", tabID)
	}
	switch len(tabs) {
	case 0:
		return protocol.TabInfo{}, errors.New("no tabs registered")
	case 1:
		return tabs[0], nil
	default:
		return protocol.TabInfo{}, errors.New("several tabs registered; pass -tab (see 'autovoicectl tabs')")
	}
}

func resolveText(text, file string) (string, error) {
	if text != "" && file != "" {
		return "", errors.New("pass either -text or -file, not both")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("provide the text to read with -text or -file")
	}
	return text, nil
}

func printState(st *protocol.PlaybackState) {
	if st == nil || (!st.HasAudio && st.Status == protocol.StatusStopped && st.Error == "") {
		fmt.Println("nothing is playing")
		return
	}
	fmt.Printf("status:   %s\n", st.Status)
	if st.Website != "" {
		fmt.Printf("website:  %s\n", st.Website)
	}
	if st.Description != "" {
		fmt.Printf("title:    %s\n", st.Description)
	}
	if st.HasAudio {
		fmt.Printf("position: %s / %s\n", fmtSeconds(st.AudioTime), fmtSeconds(st.AudioDuration))
	}
	fmt.Printf("tab:      %d\n", st.TabID)
	if st.Error != "" {
		fmt.Printf("error:    %s\n", st.Error)
	}
}

func printUpdate(update protocol.StateUpdate) {
	st := update.State
	line := fmt.Sprintf("%s  tab %-3d  %-9s  %s / %s",
		update.Timestamp.Local().Format("15:04:05.000"),
		st.TabID, st.Status, fmtSeconds(st.AudioTime), fmtSeconds(st.AudioDuration))
	if st.Error != "" {
		line += "  error: " + st.Error
	}
	fmt.Println(line)
}

func fmtSeconds(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	return d.Round(100 * time.Millisecond).String()
}
