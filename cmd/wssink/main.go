// Command wssink is a development endpoint for the websocket transport. It
// accepts published messages, logs what they carry and can write the decoded
// artifacts to a directory.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/simplelife2010/AIM/internal/publish"
)

var (
	listenAddr string
	outputDir  string
)

type sink struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	outDir   string
	received atomic.Uint64
}

func newSink(outDir string, logger *slog.Logger) *sink {
	return &sink{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		outDir:   outDir,
	}
}

func (s *sink) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	s.logger.Info("Publisher connected", slog.String("remote", r.RemoteAddr))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("Publisher disconnected",
				slog.String("remote", r.RemoteAddr),
				slog.String("reason", err.Error()),
			)
			return
		}
		if err := s.handleMessage(data); err != nil {
			s.logger.Error("Failed to handle message", slog.String("error", err.Error()))
		}
	}
}

func (s *sink) handleMessage(data []byte) error {
	var envelope publish.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	var payload publish.Payload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(payload.Metrics.Data)
	if err != nil {
		return fmt.Errorf("failed to decode artifact data: %w", err)
	}

	s.received.Add(1)
	s.logger.Info("Artifact received",
		slog.String("topic", envelope.Topic),
		slog.String("message_id", payload.MessageID),
		slog.String("filename", payload.Metrics.Filename),
		slog.Time("recorded_at", time.UnixMilli(payload.Metrics.Timestamp).UTC()),
		slog.Time("sent_on", time.UnixMilli(payload.SentOn).UTC()),
		slog.String("codec", payload.Metrics.Codec),
		slog.Int("bytes", len(audio)),
		slog.Uint64("total_received", s.received.Load()),
	)

	if s.outDir == "" {
		return nil
	}
	path := filepath.Join(s.outDir, filepath.Base(payload.Metrics.Filename))
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:           "wssink",
	Short:         "Receive artifacts published over websocket",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

		if outputDir != "" {
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		s := newSink(outputDir, logger)
		mux := http.NewServeMux()
		mux.HandleFunc("/ingest", s.handleIngest)

		logger.Info("Websocket sink starting",
			slog.String("address", listenAddr),
			slog.String("endpoint", "ws://"+listenAddr+"/ingest"),
		)
		return http.ListenAndServe(listenAddr, mux)
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "localhost:9000", "address to listen on")
	rootCmd.Flags().StringVar(&outputDir, "out", "", "directory to write received artifacts to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
