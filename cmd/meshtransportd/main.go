package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/meshtransport/transport"
)

var (
	flagListen     string
	flagDial       []string
	flagTLSMode    string
	flagInsecure   bool
	flagEcho       bool
	flagPKCS12File string
	flagPKCS12Pass string
)

var rootCmd = &cobra.Command{
	Use:   "meshtransportd",
	Short: "Demo host for the mesh transport core: binds a listener, dials peers, echoes traffic",
	RunE:  run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", "", "address to bind, e.g. ws://0.0.0.0:4017")
	flags.StringArrayVar(&flagDial, "dial", nil, "peer url to connect to at startup, may be repeated")
	flags.StringVar(&flagTLSMode, "tls", "none", "tls mode: none, ephemeral, or supplied")
	flags.BoolVar(&flagInsecure, "insecure", false, "skip certificate verification on outbound dials")
	flags.BoolVar(&flagEcho, "echo", true, "echo every received payload back to its sender")
	flags.StringVar(&flagPKCS12File, "pkcs12-file", "", "PKCS#12 bundle path, required when --tls=supplied")
	flags.StringVar(&flagPKCS12Pass, "pkcs12-passphrase", "", "passphrase for --pkcs12-file")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute meshtransportd")
	}
}

func tlsModeFromFlag(mode string) (transport.TLSMode, error) {
	switch mode {
	case "none":
		return transport.TLSUnencrypted, nil
	case "ephemeral":
		return transport.TLSEphemeralSelfSigned, nil
	case "supplied":
		return transport.TLSSuppliedCertificate, nil
	default:
		return 0, fmt.Errorf("unknown tls mode %q, want none|ephemeral|supplied", mode)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode, err := tlsModeFromFlag(flagTLSMode)
	if err != nil {
		return err
	}

	tlsConfig := transport.TLSConfig{Mode: mode, InsecureSkipVerify: flagInsecure}
	if mode == transport.TLSSuppliedCertificate {
		bundle, err := os.ReadFile(flagPKCS12File)
		if err != nil {
			return fmt.Errorf("read pkcs12 bundle: %w", err)
		}
		tlsConfig.PKCS12 = bundle
		tlsConfig.Passphrase = flagPKCS12Pass
	}

	mgr := transport.NewManager(tlsConfig, transport.WithLogger(log.Logger))

	if flagListen != "" {
		bound, err := mgr.Bind(flagListen)
		if err != nil {
			return err
		}
		log.Info().Str("addr", bound).Msg("listening")
	}

	for _, peer := range flagDial {
		id, err := mgr.Connect(peer)
		if err != nil {
			log.Error().Err(err).Str("peer", peer).Msg("dial failed")
			continue
		}
		log.Info().Str("id", string(id)).Str("peer", peer).Msg("dialing")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			mgr.CloseAll()
			for i := 0; i < 50; i++ {
				if didWork, _ := mgr.Process(); !didWork {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			return nil
		case <-ticker.C:
			_, events := mgr.Process()
			for _, e := range events {
				handleEvent(mgr, e)
			}
		}
	}
}

func handleEvent(mgr *transport.Manager, e transport.Event) {
	switch ev := e.(type) {
	case transport.ConnectResultEvent:
		log.Info().Str("id", string(ev.ID)).Msg("outbound connection ready")
	case transport.ConnectionEvent:
		log.Info().Str("id", string(ev.ID)).Msg("inbound connection accepted")
	case transport.ReceivedEvent:
		log.Debug().Str("id", string(ev.ID)).Int("bytes", len(ev.Payload)).Msg("received")
		if flagEcho {
			mgr.Send([]transport.ConnID{ev.ID}, ev.Payload)
		}
	case transport.ClosedEvent:
		log.Info().Str("id", string(ev.ID)).Msg("connection closed")
	case transport.TransportErrorEvent:
		log.Warn().Str("id", string(ev.ID)).Err(ev.Err).Msg("transport error")
	}
}
