// Package app runs the interactive terminal client on top of a session
// controller: a readline loop for composing messages and slash commands for
// calls and voice notes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pion/webrtc/v4"

	"chatlink/internal/call"
	"chatlink/internal/channel"
	"chatlink/internal/config"
	"chatlink/internal/media"
	"chatlink/internal/session"
	"chatlink/internal/store"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
}

// Run starts the session for the configured pair and blocks until the user
// quits or ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner(cfg, opt.CfgPath)

	gw, err := media.NewDevices()
	if err != nil {
		return fmt.Errorf("app: media devices: %w", err)
	}

	// Every keystroke feeds the typing tracker.
	var ctrl *session.Controller
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Listener: readline.FuncListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
			if ctrl != nil && len(line) > 0 {
				ctrl.InputChanged()
			}
			return nil, 0, false
		}),
	})
	if err != nil {
		return fmt.Errorf("app: readline: %w", err)
	}
	defer rl.Close()
	out := rl.Stdout()

	notify := func(level, msg string) {
		fmt.Fprintf(out, "** %s: %s\n", level, msg)
	}
	reg := channel.NewRegistry(cfg.Server.SocketURL)
	defer reg.Close()

	ctrl, err = session.New(cfg, reg, gw, notify)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	wireOutput(ctrl, cfg, out)

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	renderHistory(ctrl, cfg.Identity.UserID, out)

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err != nil { // io.EOF or closed
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, ctrl, line, out); quit {
				break
			}
			continue
		}
		if err := ctrl.SendMessage(line); err != nil {
			fmt.Fprintf(out, "** error: %v\n", err)
		}
	}
	return nil
}

// command handles one slash command. Returns true when the loop should exit.
func command(ctx context.Context, ctrl *session.Controller, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/call":
		run(out, ctrl.StartCall(false))
	case "/video":
		run(out, ctrl.StartCall(true))
	case "/accept":
		run(out, ctrl.AcceptCall())
	case "/reject":
		run(out, ctrl.RejectCall())
	case "/hangup":
		ctrl.EndCall()
	case "/mute":
		run(out, ctrl.ToggleMedia(media.Audio))
	case "/camera":
		run(out, ctrl.ToggleMedia(media.Video))

	case "/rec":
		run(out, ctrl.StartRecording())
	case "/stop":
		run(out, ctrl.StopRecording())
	case "/discard":
		ctrl.DiscardRecording()

	case "/send":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /send <path>")
			return false
		}
		path := fields[1]
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "** error: %v\n", err)
			return false
		}
		run(out, ctrl.SendFile(ctx, baseName(path), data))

	case "/status":
		p := ctrl.Partner()
		name := p.FirstName
		if name == "" {
			name = "partner"
		}
		fmt.Fprintf(out, "%s: %s", name, presence(ctrl.PartnerOnline()))
		if ctrl.PartnerTyping() {
			fmt.Fprint(out, ", typing")
		}
		fmt.Fprintf(out, " | call: %s", ctrl.Call().Status())
		if ctrl.Recording() {
			fmt.Fprintf(out, " | recording %ds", ctrl.RecordingElapsed())
		}
		fmt.Fprintln(out)

	case "/help":
		fmt.Fprintln(out, "commands: /call /video /accept /reject /hangup /mute /camera /rec /stop /discard /send <path> /status /quit")

	default:
		fmt.Fprintf(out, "unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func run(out io.Writer, err error) {
	if err != nil {
		fmt.Fprintf(out, "** error: %v\n", err)
	}
}

// wireOutput connects the controller's async events to the terminal.
// Rendering a partner message is what marks it visible, which drives the
// seen receipt.
func wireOutput(ctrl *session.Controller, cfg config.Config, out io.Writer) {
	partnerID := cfg.Identity.PartnerID
	ctrl.OnAppend(func(m store.Message) {
		fmt.Fprintln(out, renderMessage(cfg.Identity.UserID, m))
		if m.SenderID == partnerID && m.ID != "" {
			ctrl.MarkVisible(m.ID)
		}
	})
	ctrl.OnTypingChange(func() {
		if ctrl.PartnerTyping() {
			fmt.Fprintln(out, "** partner is typing...")
		}
	})
	ctrl.Call().OnStatusChange(func(s call.Status) {
		switch s {
		case call.StatusIncoming:
			if caller, ok := ctrl.Call().PendingCaller(); ok {
				kind := "call"
				if ctrl.Call().IsVideo() {
					kind = "video call"
				}
				fmt.Fprintf(out, "** incoming %s from %s (/accept or /reject)\n", kind, caller.FirstName)
			}
		case call.StatusOngoing:
			fmt.Fprintln(out, "** call connected")
		case call.StatusIdle:
			fmt.Fprintln(out, "** call idle")
		}
	})
	ctrl.Call().OnRemoteTrack(func(track *webrtc.TrackRemote) {
		go drainTrack(track)
	})
}

// drainTrack keeps a remote track's RTP flowing. Playback is out of scope
// for the terminal client; without a reader pion stalls the stream.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func renderHistory(ctrl *session.Controller, localID string, out io.Writer) {
	msgs := ctrl.Messages()
	for _, m := range msgs {
		fmt.Fprintln(out, renderMessage(localID, m))
	}
	if len(msgs) > 0 {
		fmt.Fprintf(out, "-- %d messages --\n", len(msgs))
	}
	// History is on screen now; unseen partner messages count as read.
	for _, m := range msgs {
		if m.ID != "" && m.SenderID != localID && !m.IsSeen {
			ctrl.MarkVisible(m.ID)
		}
	}
}

func renderMessage(localID string, m store.Message) string {
	who := "them"
	if m.SenderID == localID {
		who = "you"
	}
	ts := m.CreatedAt.Local().Format("15:04")
	switch m.Type {
	case store.TypeAudio:
		return fmt.Sprintf("[%s] %s: [voice note %.1fs] %s", ts, who, m.Duration, m.Content)
	case store.TypeImage:
		return fmt.Sprintf("[%s] %s: [image %s] %s", ts, who, m.FileName, m.Content)
	case store.TypeFile:
		return fmt.Sprintf("[%s] %s: [file %s] %s", ts, who, m.FileName, m.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, who, m.Content)
	}
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func presence(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func logBanner(cfg config.Config, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("Chatlink session scope")
	log.Printf(" User    : %s", cfg.Identity.UserID)
	log.Printf(" Partner : %s", cfg.Identity.PartnerID)
	log.Printf(" Socket  : %s", cfg.Server.SocketURL)
	if cfgPath != "" {
		log.Printf(" Config  : %s", cfgPath)
	}
	log.Println("")
	log.Println(" This process represents ONE side of")
	log.Println(" one conversation.")
	log.Println("────────────────────────────────────────")
}
