package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/audio"
	"github.com/keylan/babelcall/internal/call"
	"github.com/keylan/babelcall/internal/config"
	"github.com/keylan/babelcall/internal/domain"
	"github.com/keylan/babelcall/internal/protocol"
	"github.com/keylan/babelcall/internal/rtc"
	"github.com/keylan/babelcall/internal/signal"
)

func main() {
	numberFlag := flag.String("number", "", "phone number to register")
	langFlag := flag.String("language", string(domain.LangEnglish), "spoken language code")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	number, err := domain.ParseNumber(*numberFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: babelcall -number <your number> [-language en-US]")
		os.Exit(2)
	}
	lang, err := domain.ParseLanguage(*langFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unsupported language %q; one of:", *langFlag)
		for _, l := range domain.Languages() {
			fmt.Fprintf(os.Stderr, " %s", l)
		}
		fmt.Fprintln(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := signal.Dial(ctx, cfg.Client.ServerURL)
	if err != nil {
		log.Error().Err(err).Str("url", cfg.Client.ServerURL).Msg("cannot reach relay")
		os.Exit(1)
	}

	rtcCfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.Client.STUNURLs}},
	}
	local := domain.Peer{Number: number, Language: lang}
	machine := call.NewMachine(local, call.Deps{
		Channel: ch,
		Negotiate: func(sid string) (call.Negotiator, error) {
			conn, err := rtc.New(rtcCfg, sid)
			if err != nil {
				return nil, err
			}
			conn.OnRemoteTrack(func(track *webrtc.TrackRemote) {
				log.Info().Str("sid", sid).Str("codec", track.Codec().MimeType).Msg("peer media path up")
			})
			return conn, nil
		},
		NewCapture: func() call.Capture {
			return audio.NewCapture(cfg.Client.DeviceRate, cfg.Client.CaptureWindow)
		},
		NewPlayback: func() call.Playback {
			return audio.NewPlayback()
		},
	})

	machine.OnStateChange(func(st call.State) {
		switch st {
		case call.StateIncoming:
			if peer, ok := machine.Remote(); ok {
				fmt.Printf("incoming call from %s (%s): answer or reject?\n", peer.Number, peer.Language.Name())
			}
		case call.StateConnected:
			if peer, ok := machine.Remote(); ok {
				fmt.Printf("connected: speaking %s, hearing %s\n", lang.Name(), peer.Language.Name())
			}
		default:
			fmt.Printf("state: %s\n", st)
		}
	})
	machine.OnError(func(err error) {
		fmt.Printf("error: %v\n", err)
	})

	ch.OnMessage(machine.HandleMessage)
	ch.OnAudio(machine.HandleAudio)
	ch.OnClose(func(err error) {
		machine.ChannelClosed(err)
		cancel()
	})
	ch.Run(ctx)

	// Registration is the first message on the channel; the backend treats
	// the absence of a callFailed as success.
	if err := ch.Send(protocol.Register(number, lang)); err != nil {
		log.Error().Err(err).Msg("register")
		os.Exit(1)
	}
	fmt.Printf("registered as %s (%s)\n", number, lang.Name())

	go machine.Run(ctx)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: call <number> | answer | reject | hangup | quit")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call":
			if len(fields) != 2 {
				fmt.Println("usage: call <number>")
				continue
			}
			to, err := domain.ParseNumber(fields[1])
			if err != nil {
				fmt.Printf("bad number: %v\n", err)
				continue
			}
			machine.PlaceCall(to)
		case "answer":
			machine.Answer()
		case "reject":
			machine.Reject()
		case "hangup":
			machine.Hangup()
		case "quit":
			machine.Hangup()
			ch.Close()
			return
		default:
			fmt.Println("commands: call <number> | answer | reject | hangup | quit")
		}
	}
}
