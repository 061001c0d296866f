package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	debugColor = color.New(color.FgHiBlack)
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor = color.New()
	voiceColor    = color.New(color.FgMagenta)
	introColor    = color.New(color.FgMagenta)
	healthColor   = color.New(color.FgBlue)

	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	logFile *os.File
	logMu   sync.Mutex
)

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	if LogToFile {
		logName := GetProjectName() + ".log"
		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// GetProjectName returns the executable name without extension.
func GetProjectName() string {
	exePath, err := os.Executable()
	if err != nil {
		return "introbot"
	}
	name := strings.TrimSuffix(filepath.Base(exePath), ".exe")
	if name == "main" || strings.HasPrefix(name, "go_build_") || strings.HasSuffix(name, ".test") {
		return "introbot"
	}
	return name
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogVoice(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "voice"))
}

func LogIntro(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "intro"))
}

func LogHealth(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "health"))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := r.Time.Format(DefaultTimeFormat)
	if r.Time.IsZero() {
		timeStr = time.Now().Format(DefaultTimeFormat)
	}

	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	default:
		levelStr = "DEBUG"
		levelColor = debugColor
	}

	// disgo logs through the same handler and attaches its own attrs; keep them visible.
	component := ""
	var extras []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return true
		}
		extras = append(extras, a.Key+"="+a.Value.String())
		return true
	})

	msg := r.Message
	if len(extras) > 0 {
		msg += " " + strings.Join(extras, " ")
	}

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, msg)))
	} else {
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, fmt.Sprintf("[%s] %s", levelStr, msg)))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

// --- Formatting Helpers ---

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "VOICE":
		return voiceColor
	case "INTRO":
		return introColor
	case "HEALTH":
		return healthColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

func GetLogPath() string {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, []byte(""))
	_, err = s.w.Write(clean)
	return len(p), err
}

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad  = "Failed to load config: %v"
	MsgConfigMissingToken  = "DISCORD_TOKEN is not set in .env file"
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDatabaseImported    = "Imported %d guild(s), %d intro(s), %d assignment(s), %d permission set(s)"
	MsgDaemonStarting      = "Starting..."
	MsgBotStarting         = "Starting %s..."
	MsgBotReady            = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown         = "Shutting down %s..."
	MsgBotKillingOld       = "Killing running instance... (PID: %d)"
	MsgBotOldTerminated    = "Old instance terminated."
	MsgGenericError        = "%v"

	// --- Loader ---
	MsgLoaderPanicRecovered = "Panic recovered in handler: %v"

	// --- Health ---
	MsgHealthListening    = "Listening on %s"
	MsgHealthStopped      = "Server stopped"
	MsgHealthFailed       = "Server failed: %v"
	MsgHealthDatabaseDown = "Database ping failed: %v"

	// --- Intro Orchestration ---
	MsgIntroReady         = "Listening for track ends in %d guild(s)"
	MsgIntroGuildsFailed  = "Failed to load guilds on ready: %v"
	MsgIntroSelfIgnored   = "Ignoring own voice join in guild %s"
	MsgIntroUserIgnored   = "[%s] Ignoring %s by name"
	MsgIntroCooldown      = "[%s] %s joined %s again within cooldown, skipping"
	MsgIntroNone          = "[%s] No intro configured for %s in channel %s"
	MsgIntroLookupFailed  = "[%s] Intro lookup failed for %s in channel %s: %v"
	MsgIntroSourceFailed  = "[%s] Audio source unavailable for %q: %v"
	MsgIntroMoving        = "[%s] Moving guild %s from channel %s to %s for %s"
	MsgIntroJoinFailed    = "[%s] Failed to join channel %s in guild %s: %v"
	MsgIntroEnqueueFailed = "[%s] Failed to enqueue %q in guild %s: %v"
	MsgIntroQueued        = "[%s] Queued %q for %s in channel %s"
	MsgIntroNoSession     = "Track ended in guild %s with no active session"
	MsgIntroLeaving       = "Queue drained in channel %s, leaving guild %s"
	MsgIntroLeaveFailed   = "Failed to leave guild %s: %v"
	MsgIntroDisconnected  = "Bot disconnected externally in guild %s"
	MsgIntroHandlerPanic  = "Panic recovered while handling %T: %v"
	MsgIntroInboxClosed   = "Inbox closed, orchestrator stopping"
	MsgIntroShuttingDown  = "Stopping %d guild worker(s)"

	// --- Voice ---
	MsgVoiceJoining       = "Joining channel %s in guild %s"
	MsgVoiceRetry         = "Retrying voice connection in %v (Attempt %d/%d)"
	MsgVoiceConnectFail   = "Failed to connect to voice in guild %s after %d attempts: %v"
	MsgVoiceLeft          = "Left channel %s in guild %s"
	MsgVoicePlaybackDone  = "Playback finished: %s"
	MsgVoicePlaybackStop  = "Playback stopped: %s"
	MsgVoiceQueuePanic    = "CRITICAL: processQueue panic recovered: %v"
	MsgVoiceProviderRetry = "Exhausted retries for SetOpusFrameProvider in guild %s"
	MsgVoiceSpeakingRetry = "Exhausted retries for SetSpeaking in guild %s"
	MsgVoiceShutdown      = "Closing %d voice connection(s)"
)
