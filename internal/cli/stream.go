package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/adapters/evi"
	"github.com/satriahrh/arunika/evi/domain/entities"
)

// linear16 mono
const bytesPerSample = 2

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream a raw PCM recording to the voice service",
	Long: `Stream a raw linear16 mono recording to the voice service, paced at
the capture rate, and print what the service hears and says.

Assistant audio is written to --out as one file per chunk when set.`,
	RunE: runStream,
}

var (
	streamFileFlag    string
	streamChunkMsFlag int
	streamOutFlag     string
	streamWaitFlag    time.Duration
)

func init() {
	streamCmd.Flags().StringVar(&streamFileFlag, "file", "", "Raw linear16 mono PCM file (required)")
	streamCmd.Flags().IntVar(&streamChunkMsFlag, "chunk-ms", 100, "Audio per chunk in milliseconds")
	streamCmd.Flags().StringVar(&streamOutFlag, "out", "", "Directory for received assistant audio")
	streamCmd.Flags().DurationVar(&streamWaitFlag, "wait", 30*time.Second, "How long to wait for the assistant after the file is sent")
	streamCmd.MarkFlagRequired("file")
}

// transcript prints conversation events and saves assistant audio
type transcript struct {
	out    io.Writer
	outDir string
	logger *zap.Logger

	mu     sync.Mutex
	chunks int

	connected chan string
	ended     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *transcript) events() evi.EventFuncs {
	return evi.EventFuncs{
		Connected: func(chatID string) {
			fmt.Fprintf(t.out, "Connected (chat %s)\n", chatID)
			select {
			case t.connected <- chatID:
			default:
			}
		},
		Disconnected: func() {
			fmt.Fprintln(t.out, "Disconnected")
			t.closeOnce.Do(func() { close(t.closed) })
		},
		Error: func(message string) {
			fmt.Fprintf(t.out, "Error: %s\n", message)
		},
		UserMessage: func(text string, emotions entities.EmotionScores) {
			fmt.Fprintf(t.out, "You: %s%s\n", text, formatEmotions(emotions))
		},
		AssistantMessage: func(text string) {
			fmt.Fprintf(t.out, "Assistant: %s\n", text)
		},
		AudioOutput: t.saveAudio,
		UserInterruption: func() {
			fmt.Fprintln(t.out, "(interrupted)")
		},
		AssistantEnd: func() {
			select {
			case t.ended <- struct{}{}:
			default:
			}
		},
	}
}

func (t *transcript) saveAudio(data string) {
	if t.outDir == "" {
		return
	}

	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.logger.Warn("Discarding undecodable audio chunk", zap.Error(err))
		return
	}

	t.mu.Lock()
	t.chunks++
	name := filepath.Join(t.outDir, fmt.Sprintf("assistant_%04d.wav", t.chunks))
	t.mu.Unlock()

	if err := os.WriteFile(name, audio, 0o644); err != nil {
		t.logger.Error("Failed to write assistant audio", zap.String("path", name), zap.Error(err))
	}
}

func formatEmotions(emotions entities.EmotionScores) string {
	if len(emotions.Top3) == 0 {
		return ""
	}
	parts := make([]string, len(emotions.Top3))
	for i, e := range emotions.Top3 {
		parts[i] = fmt.Sprintf("%s %.2f", e.Name, e.Score)
	}
	return " [" + strings.Join(parts, ", ") + "]"
}

// chunkSize is the number of bytes holding chunkMs of audio
func chunkSize(sampleRate, chunkMs int) int {
	return sampleRate * bytesPerSample * chunkMs / 1000
}

func runStream(cmd *cobra.Command, args []string) error {
	if streamChunkMsFlag <= 0 {
		return fmt.Errorf("--chunk-ms must be positive, got %d", streamChunkMsFlag)
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	audio, err := os.ReadFile(streamFileFlag)
	if err != nil {
		return fmt.Errorf("reading audio file: %w", err)
	}

	if streamOutFlag != "" {
		if err := os.MkdirAll(streamOutFlag, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	t := &transcript{
		out:       cmd.OutOrStdout(),
		outDir:    streamOutFlag,
		logger:    logger,
		connected: make(chan string, 1),
		ended:     make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}

	session, err := evi.NewSession(evi.NewConfigFromEnv(), t.events(), logger)
	if err != nil {
		return fmt.Errorf("voice service configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Disconnect()

	select {
	case <-t.connected:
	case <-t.closed:
		return fmt.Errorf("voice session closed before it was confirmed")
	case <-ctx.Done():
		return nil
	}

	size := chunkSize(session.SampleRate(), streamChunkMsFlag)
	if size == 0 {
		return fmt.Errorf("chunk of %dms at %dHz is empty", streamChunkMsFlag, session.SampleRate())
	}
	interval := time.Duration(streamChunkMsFlag) * time.Millisecond

	logger.Info("Streaming audio",
		zap.String("file", streamFileFlag),
		zap.Int("bytes", len(audio)),
		zap.Int("chunkSize", size),
		zap.Int("sampleRate", session.SampleRate()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for start := 0; start < len(audio); start += size {
		end := min(start+size, len(audio))
		session.SendAudio(base64.StdEncoding.EncodeToString(audio[start:end]))

		select {
		case <-ticker.C:
		case <-t.closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}

	if dropped := session.DroppedAudioChunks(); dropped > 0 {
		logger.Warn("Audio chunks were dropped", zap.Uint64("dropped", dropped))
	}

	select {
	case <-t.ended:
	case <-t.closed:
	case <-ctx.Done():
	case <-time.After(streamWaitFlag):
		logger.Info("Timed out waiting for the assistant")
	}
	return nil
}
