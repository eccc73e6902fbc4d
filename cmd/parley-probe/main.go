// Command parley-probe streams a raw PCM file through a live session and
// prints every event, for smoke-testing a deployment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/parley/pkg/client"
	"github.com/MrWong99/parley/pkg/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	url := flag.String("url", "ws://localhost:8080/ws/live", "live endpoint")
	file := flag.String("file", "", "raw 16-bit little-endian mono PCM file to stream")
	scenario := flag.String("scenario", "", "scenario id; leave empty to send -language and -expected inline")
	lang := flag.String("language", "", "BCP-47 tag of the language to answer in")
	expected := flag.String("expected", "", "expected responses, separated by |")
	mode := flag.String("mode", protocol.ModeLive, "live or paused")
	token := flag.String("token", "", "auth token")
	sampleRate := flag.Int("sample-rate", 16000, "sample rate of -file in Hz")
	chunkMS := flag.Int("chunk-ms", 100, "audio per frame in milliseconds")
	realtime := flag.Bool("realtime", true, "pace frames at playback speed")
	lives := flag.Int("lives", 3, "lives of the seeded ledger")
	wait := flag.Duration("wait", 10*time.Second, "how long to wait for the final after the audio")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *file == "" || (*scenario == "" && *expected == "") {
		fmt.Fprintln(os.Stderr, "parley-probe: -file and either -scenario or -expected are required")
		flag.Usage()
		return 2
	}
	audio, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-probe: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, client.Config{URL: *url}, client.Snapshot{
		LivesTotal:     *lives,
		LivesRemaining: *lives,
		Judge:          0.5,
	})
	if err != nil {
		slog.Error("dial failed", "err", err)
		return 1
	}
	defer c.Close()

	attempt := client.Attempt{
		ScenarioID: *scenario,
		Language:   *lang,
		Mode:       *mode,
		AuthToken:  *token,
	}
	if *expected != "" {
		attempt.Expected = strings.Split(*expected, "|")
	}
	if err := c.Start(ctx, attempt); err != nil {
		slog.Error("start failed", "err", err)
		return 1
	}

	final := make(chan *protocol.Final, 1)
	go printEvents(c, final)

	chunk := *sampleRate * 2 * *chunkMS / 1000
	if chunk <= 0 {
		chunk = 3200
	}
	sent, err := stream(ctx, c, audio, chunk, time.Duration(*chunkMS)*time.Millisecond, *realtime, final)
	if err != nil {
		slog.Error("streaming failed", "err", err)
		return 1
	}
	slog.Info("audio sent", "bytes", sent)

	if *mode == protocol.ModePaused {
		if err := c.Commit(ctx); err != nil && !errors.Is(err, client.ErrNoAttempt) {
			slog.Error("commit failed", "err", err)
			return 1
		}
	}

	select {
	case f := <-final:
		return exitCode(f)
	case <-time.After(*wait):
		slog.Info("no final yet, stopping")
	case <-ctx.Done():
		return 1
	}
	if err := c.Stop(ctx, "probe_done"); err != nil && !errors.Is(err, client.ErrNoAttempt) {
		slog.Error("stop failed", "err", err)
		return 1
	}
	select {
	case f := <-final:
		return exitCode(f)
	case <-time.After(*wait):
		slog.Error("no final event received")
		return 1
	}
}

// stream sends audio in chunk-sized frames. It returns early once a final
// event arrived, leaving that event in final.
func stream(ctx context.Context, c *client.Client, audio []byte, chunk int, interval time.Duration, realtime bool, final chan *protocol.Final) (int, error) {
	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	sent := 0
	for sent < len(audio) {
		select {
		case f := <-final:
			final <- f
			return sent, nil
		default:
		}
		end := min(sent+chunk, len(audio))
		if err := c.SendAudio(ctx, audio[sent:end]); err != nil {
			if errors.Is(err, client.ErrNoAttempt) {
				return sent, nil
			}
			return sent, err
		}
		sent = end
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return sent, ctx.Err()
			}
		}
	}
	return sent, nil
}

func printEvents(c *client.Client, final chan<- *protocol.Final) {
	for ev := range c.Events() {
		switch ev.Kind {
		case client.EventServer:
			printServerEvent(ev)
			if f, ok := ev.Server.(protocol.Final); ok {
				final <- &f
			}
		case client.EventReconnecting:
			fmt.Printf("… connection lost (%v), reconnecting\n", ev.Err)
		case client.EventReconnected:
			fmt.Println("… reconnected, attempt resumed")
		case client.EventDisconnected:
			fmt.Printf("× disconnected: %v\n", ev.Err)
		}
	}
}

func printServerEvent(ev client.Event) {
	h := ev.HUD
	hud := fmt.Sprintf("[score %d · lives %d/%d]", h.Score, h.LivesRemaining, h.LivesTotal)
	switch e := ev.Server.(type) {
	case protocol.Snapshot:
		fmt.Printf("%-8s %s session=%s mode=%s\n", e.Event, hud, e.SessionID, e.Mode)
	case protocol.Partial:
		fmt.Printf("partial  %s %q lang=%s %s %.2f\n", hud, e.Transcript, e.DetectedLanguage, e.MatchType, e.Confidence)
	case protocol.Penalty:
		fmt.Printf("penalty  %s %s (lives %+d, score %+d)\n", hud, e.Message, e.LivesDelta, e.ScoreDelta)
	case protocol.Final:
		fmt.Printf("final    %s heard=%q %s %.2f tier=%s reason=%s next=%s\n",
			hud, e.Result.Heard, e.Result.MatchType, e.Result.Confidence, e.Tier, e.Reason, e.Next)
	case protocol.Error:
		fmt.Printf("error    %s %s\n", hud, e.Message)
	}
	if ev.Reconciled {
		fmt.Println("         (hud reconciled with server)")
	}
}

func exitCode(f *protocol.Final) int {
	if f.Tier == "failure" {
		return 3
	}
	return 0
}
