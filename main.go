package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/constant"
	"github.com/xeptore/hifilink/log"
	"github.com/xeptore/hifilink/provider/amazon"
	"github.com/xeptore/hifilink/provider/qobuz"
	"github.com/xeptore/hifilink/provider/tidal"
	"github.com/xeptore/hifilink/resolve"
	"github.com/xeptore/hifilink/songlink"
	"github.com/xeptore/hifilink/spotify"
	"github.com/xeptore/hifilink/stream"
)

func main() {
	logger := log.NewDefault()

	//nolint:exhaustruct
	app := &cli.Command{
		Name:    "hifilink",
		Version: constant.Version,
		Metadata: map[string]any{
			"compiled_at": constant.CompileTime,
		},
		Suggest:                    true,
		Usage:                      "Lossless stream link resolver",
		EnableShellCompletion:      true,
		ShellCompletionCommandName: "shell-completion",
		AllowExtFlags:              false,
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Config file path",
				Required: false,
			},
		},
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:      "search",
				Usage:     "Search the catalog for tracks",
				ArgsUsage: "<term>...",
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of results",
						Value: 20,
					},
				},
				Action: searchAction,
			},
			//nolint:exhaustruct
			{
				Name:      "resolve",
				Usage:     "Resolve a playable stream for a track",
				ArgsUsage: "<track-id>",
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:  "provider",
						Usage: "Provider to use: auto, tidal, qobuz, amazon",
						Value: "auto",
					},
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:  "quality",
						Usage: "Preferred quality: hires, lossless, high",
						Value: "lossless",
					},
					//nolint:exhaustruct
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Attempt every provider in parallel instead of stopping at the first stream",
					},
				},
				Action: resolveAction,
			},
			//nolint:exhaustruct
			{
				Name:      "availability",
				Usage:     "Check which platforms carry a track",
				ArgsUsage: "<track-id>",
				Action:    availabilityAction,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			os.Exit(1)
		}

		var exitCode exitCodeError
		if errors.As(err, &exitCode) {
			os.Exit(int(exitCode))
		}

		logger.Error().Err(err).Msg("Application exited with error")
		os.Exit(10)
	}
}

type exitCodeError int

func (e exitCodeError) Error() string {
	return "error with exit code: " + strconv.Itoa(int(e))
}

func setup(cmd *cli.Command) (zerolog.Logger, *config.Config, error) {
	logger := log.NewDefault()

	if err := godotenv.Load(); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return logger, nil, fmt.Errorf("load .env file: %v", err)
		}
		logger.Debug().Msg(".env file was not found")
	} else {
		logger.Debug().Msg(".env file was loaded")
	}

	conf, err := config.Load(cmd.String("config"))
	if nil != err {
		return logger, nil, fmt.Errorf("load config: %v", err)
	}

	logger = log.FromConfig(conf.Log)
	logger.Debug().Dict("config", conf.ToDict()).Msg("Config loaded")

	return logger, conf, nil
}

func newResolver(conf *config.Config) *resolve.Resolver {
	return resolve.New(
		conf.Resolve,
		songlink.NewMapper(conf.SongLink),
		tidal.NewResolver(conf.Tidal),
		qobuz.NewResolver(conf.Qobuz),
		amazon.NewResolver(conf.Amazon),
	)
}

func searchAction(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := setup(cmd)
	if nil != err {
		return err
	}

	term := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(term) == "" {
		return errors.New("a search term is required")
	}

	session := spotify.NewSession(conf.Spotify)

	tracks, err := session.Search(ctx, logger, term, cmd.Int("limit"))
	if nil != err {
		logger.Error().Err(err).Msg("Search failed")

		return exitCodeError(2)
	}

	if len(tracks) == 0 {
		logger.Info().Str("term", term).Msg("No tracks found")

		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "ID", "Title", "Artist", "Album", "Duration", "Explicit"})
	for i, track := range tracks {
		t.AppendRow(table.Row{
			i + 1,
			track.ID,
			track.Title,
			track.Artist,
			track.Album,
			formatDuration(track.DurationMS),
			track.Explicit,
		})
	}
	t.Render()

	return nil
}

func resolveAction(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := setup(cmd)
	if nil != err {
		return err
	}

	trackID := cmd.Args().First()
	if trackID == "" {
		return errors.New("a track id is required")
	}

	provider, err := parseProvider(cmd.String("provider"))
	if nil != err {
		return err
	}

	quality, err := parseQuality(cmd.String("quality"))
	if nil != err {
		return err
	}

	req := resolve.Request{
		SpotifyID:           trackID,
		Provider:            provider,
		Quality:             quality,
		ReferenceDurationMS: 0,
	}

	// The reference duration improves recording-code disambiguation, but
	// a metadata failure must not block resolution.
	session := spotify.NewSession(conf.Spotify)
	if track, err := session.TrackMetadata(ctx, logger, trackID); nil != err {
		logger.Warn().Err(err).Msg("Failed to fetch track metadata")
	} else {
		req.ReferenceDurationMS = int(track.DurationMS)
		logger.Info().Dict("track", track.ToDict()).Msg("Resolving track")
	}

	resolver := newResolver(conf)

	if cmd.Bool("all") {
		candidates, err := resolver.ResolveAll(ctx, logger, req)
		if nil != err {
			logger.Error().Err(err).Msg("Resolution failed")

			return exitCodeError(3)
		}

		if len(candidates) == 0 {
			logger.Error().Str("track_id", trackID).Msg("No provider produced a stream")

			return exitCodeError(4)
		}

		renderCandidates(candidates)

		return nil
	}

	c, err := resolver.Resolve(ctx, logger, req)
	if nil != err {
		if errors.Is(err, resolve.ErrNoCandidate) {
			logger.Error().Str("track_id", trackID).Msg("No provider produced a stream")

			return exitCodeError(4)
		}
		logger.Error().Err(err).Msg("Resolution failed")

		return exitCodeError(3)
	}

	renderCandidates(map[stream.Provider]*stream.Candidate{c.Provider: c})

	return nil
}

func availabilityAction(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := setup(cmd)
	if nil != err {
		return err
	}

	trackID := cmd.Args().First()
	if trackID == "" {
		return errors.New("a track id is required")
	}

	a, err := newResolver(conf).CheckAvailability(ctx, logger, trackID)
	if nil != err {
		logger.Error().Err(err).Msg("Availability check failed")

		return exitCodeError(3)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Platform", "Available", "URL"})
	t.AppendRow(table.Row{"Tidal", a.Tidal, a.TidalURL})
	t.AppendRow(table.Row{"Qobuz", a.Qobuz, a.QobuzURL})
	t.AppendRow(table.Row{"Amazon Music", a.Amazon, a.AmazonURL})
	t.AppendRow(table.Row{"Deezer", a.Deezer, a.DeezerURL})
	if a.ISRC != "" {
		t.AppendFooter(table.Row{"ISRC", a.ISRC})
	}
	t.Render()

	return nil
}

func renderCandidates(candidates map[stream.Provider]*stream.Candidate) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "Tier", "Format", "Bits", "Rate", "Manifest", "Stream"})
	for _, provider := range []stream.Provider{stream.ProviderTidal, stream.ProviderQobuz, stream.ProviderAmazon} {
		c, ok := candidates[provider]
		if !ok {
			continue
		}

		url := c.URL
		if c.IsManifest {
			url = "(inline manifest)"
		}

		t.AppendRow(table.Row{c.Provider, c.Tier, c.MimeType, c.BitDepth, c.SampleRate, c.IsManifest, url})
	}
	t.Render()
}

func parseProvider(s string) (stream.Provider, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return stream.ProviderAuto, nil
	case "tidal":
		return stream.ProviderTidal, nil
	case "qobuz":
		return stream.ProviderQobuz, nil
	case "amazon":
		return stream.ProviderAmazon, nil
	default:
		return "", fmt.Errorf("unknown provider %q, expected one of: auto, tidal, qobuz, amazon", s)
	}
}

func parseQuality(s string) (stream.Quality, error) {
	switch strings.ToLower(s) {
	case "hires":
		return stream.QualityHiRes, nil
	case "lossless", "":
		return stream.QualityLossless, nil
	case "high":
		return stream.QualityHigh, nil
	default:
		return "", fmt.Errorf("unknown quality %q, expected one of: hires, lossless, high", s)
	}
}

func formatDuration(ms int64) string {
	secs := ms / 1000

	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
