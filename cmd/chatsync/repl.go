package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chatsync/internal/api"
	"github.com/p-blackswan/chatsync/internal/chat"
	"github.com/p-blackswan/chatsync/internal/conn"
	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/models"
)

const helpText = `commands:
  /list                 list conversations
  /join <id>            select a conversation
  /new [title]          create and select a conversation
  /edit <id> <text>     replace a message and everything after it
  /stop                 stop the in-flight response
  /upload <path>        attach a file to the next message
  /models               list available models
  /status               show connection and conversation state
  /reconnect            reconnect to the backend
  /quit                 exit
anything else is sent as a message`

type repl struct {
	session *chat.Session
	manager *conn.Manager
	in      io.Reader
	out     io.Writer
	logger  zerolog.Logger

	mu      sync.Mutex
	convID  string
	printed map[string]bool
	// streamed is the partial response already on screen; the final
	// message carrying the same content is not printed again.
	streamed string
	state    conn.State
}

func newREPL(s *chat.Session, m *conn.Manager, in io.Reader, out io.Writer, logger zerolog.Logger) *repl {
	return &repl{
		session: s,
		manager: m,
		in:      in,
		out:     out,
		logger:  logger.With().Str("component", "repl").Logger(),
		printed: make(map[string]bool),
	}
}

func (r *repl) run(ctx context.Context) {
	unsub := r.session.Subscribe(r.render)
	defer unsub()

	fmt.Fprintln(r.out, "chatsync ready, /help for commands")
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if err := r.handle(ctx, line); err != nil {
			fmt.Fprintf(r.out, "! %s\n", describe(err))
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		r.session.SetTyping(ctx, false)
		_, err := r.session.Send(ctx, chat.SendRequest{Content: line})
		return err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/list":
		convs, err := r.session.Conversations(ctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Fprintf(r.out, "  %-12s %s\n", c.ID, c.Title)
		}
	case "/join":
		if arg == "" {
			return errors.New("usage: /join <id>")
		}
		r.resetView(arg)
		return r.session.SelectConversation(ctx, arg)
	case "/new":
		conv, err := r.session.CreateConversation(ctx, api.CreateConversationRequest{Title: arg}, "")
		if err != nil {
			return err
		}
		r.resetView(conv.ID)
		fmt.Fprintf(r.out, "* created %s\n", conv.ID)
	case "/edit":
		id, text, ok := strings.Cut(arg, " ")
		if !ok {
			return errors.New("usage: /edit <id> <text>")
		}
		r.forget(id)
		_, err := r.session.Edit(ctx, id, strings.TrimSpace(text))
		return err
	case "/stop":
		return r.session.StopGeneration(ctx)
	case "/upload":
		f, err := os.Open(arg)
		if err != nil {
			return err
		}
		defer f.Close()
		att, err := r.session.Upload(ctx, filepath.Base(arg), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "* attached %s (%d bytes)\n", att.Filename, att.Size)
	case "/models":
		list, err := r.session.Models(ctx)
		if err != nil {
			return err
		}
		for _, m := range list {
			fmt.Fprintf(r.out, "  %-20s %s (%s)\n", m.ID, m.Name, m.Provider)
		}
	case "/status":
		snap := r.session.Snapshot()
		fmt.Fprintf(r.out, "  connection: %s\n  conversation: %s\n  joined: %s\n  messages: %d\n  stream: %s\n",
			snap.State, snap.ConversationID, snap.JoinedRoom, len(snap.Messages), snap.StreamState)
		if snap.LastError != "" {
			fmt.Fprintf(r.out, "  last error: %s\n", snap.LastError)
		}
	case "/reconnect":
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return r.manager.Connect(cctx)
	default:
		return fmt.Errorf("unknown command %s, /help for commands", cmd)
	}
	return nil
}

// render prints whatever changed since the last snapshot.
func (r *repl) render(snap chat.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.State != r.state {
		r.state = snap.State
		fmt.Fprintf(r.out, "* %s\n", snap.State)
	}
	if snap.ConversationID != r.convID {
		return
	}

	if snap.Streaming != nil {
		content := snap.Streaming.Content
		if !strings.HasPrefix(content, r.streamed) {
			// a new turn replaced an unfinished one
			fmt.Fprintln(r.out)
			r.streamed = ""
		}
		if len(content) > len(r.streamed) {
			if r.streamed == "" {
				fmt.Fprint(r.out, "assistant> ")
			}
			fmt.Fprint(r.out, content[len(r.streamed):])
			r.streamed = content
		}
	}

	for _, m := range snap.Messages {
		key := m.ID + "/" + string(m.Status)
		if r.printed[key] {
			continue
		}
		r.printed[key] = true
		r.printMessage(m)
	}
}

func (r *repl) printMessage(m models.Message) {
	switch {
	case m.Status == models.StatusPending:
		// shown once confirmed or failed
		return
	case m.Status == models.StatusFailed:
		fmt.Fprintf(r.out, "! not delivered: %s\n", m.Content)
		return
	case m.Role == models.RoleAssistant && r.streamed != "":
		streamed := r.streamed
		r.streamed = ""
		if m.Content == streamed {
			fmt.Fprintf(r.out, "\n  [%s]\n", m.ID)
			return
		}
		fmt.Fprintln(r.out)
	}
	fmt.Fprintf(r.out, "%s> %s  [%s]\n", m.Role, m.Content, m.ID)
}

func (r *repl) resetView(conversationID string) {
	r.mu.Lock()
	r.convID = conversationID
	r.printed = make(map[string]bool)
	r.streamed = ""
	r.mu.Unlock()
}

func (r *repl) forget(messageID string) {
	r.mu.Lock()
	for key := range r.printed {
		if strings.HasPrefix(key, messageID+"/") {
			delete(r.printed, key)
		}
	}
	r.mu.Unlock()
}

func describe(err error) string {
	switch {
	case errors.Is(err, perrors.ErrCommandRejected):
		return "not ready: " + err.Error()
	case errors.Is(err, perrors.ErrPersistence):
		return "backend did not save the change: " + err.Error()
	case errors.Is(err, perrors.ErrAuthFailure):
		return "authentication failed: " + err.Error()
	default:
		return err.Error()
	}
}
