package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lazypower/crystal/internal/client"
	"github.com/lazypower/crystal/internal/logging"
	"github.com/lazypower/crystal/internal/presence"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/server"
	"github.com/lazypower/crystal/internal/store"
)

// --- watch command ---

var watchCmd = &cobra.Command{
	Use:   "watch <topic...>",
	Short: "Stream snapshots of realtime topics as JSON lines",
	Long: "Subscribes to each topic and prints every snapshot the server pushes. " +
		"Topics look like conversation_list/<user>, conversation/<id>, messages/<id>, " +
		"presence/<user> or notifications/<user>.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w, err := c.Watch(ctx)
		if err != nil {
			return err
		}
		defer w.Close()

		for _, topic := range args {
			if _, _, err := realtime.ParseTopic(topic); err != nil {
				return err
			}
			if err := w.Subscribe(topic, ""); err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return nil
			case f, ok := <-w.Frames():
				if !ok {
					return w.Err()
				}
				if err := enc.Encode(f); err != nil {
					return err
				}
			}
		}
	},
}

// --- chat command ---

var chatCmd = &cobra.Command{
	Use:   "chat <user>",
	Short: "Chat interactively with a user",
	Long:  "Opens the conversation, keeps you online while the session lasts and prints messages as they arrive. Type /delete to remove your last message and /quit to leave.",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	log := logging.NewWithWriter(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	view, err := c.Open(ctx, args[0])
	if err != nil {
		return err
	}
	self := c.UserID()
	if self == "" {
		me, err := c.Me(ctx)
		if err != nil {
			return err
		}
		self = me.UserID
	}

	hb := client.NewHeartbeater(c.Heartbeat, cfg.Presence.HeartbeatInterval, log)
	hb.Start(ctx)
	defer func() {
		hb.Stop()
		hb.Unload()
	}()

	w, err := c.Watch(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	thread := client.NewThread(c, view.ID, self)
	msgTopic := realtime.MessagesTopic(view.ID)
	presTopic := realtime.PresenceTopic(view.Other.UserID)
	if err := w.Subscribe(msgTopic, "thread"); err != nil {
		return err
	}
	if err := w.Subscribe(presTopic, "peer"); err != nil {
		return err
	}

	fmt.Printf("chatting with %s. /quit to leave.\n", view.Other.UserID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil

		case f, ok := <-w.Frames():
			if !ok {
				return w.Err()
			}
			handleChatFrame(f, thread, seen)

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/delete":
				deleteLast(ctx, thread, self)
			default:
				if res := thread.Send(ctx, line); !res.Committed {
					fmt.Fprintf(os.Stderr, "not sent: %v\n", res.Err)
				}
			}
		}
	}
}

func handleChatFrame(f server.ServerFrame, thread *client.Thread, seen map[string]bool) {
	if f.Type == server.FrameError {
		fmt.Fprintf(os.Stderr, "%s: %s\n", f.Topic, f.Error)
		return
	}
	switch f.ID {
	case "thread":
		var body struct {
			Messages []store.Message `json:"messages"`
		}
		if err := json.Unmarshal(f.Data, &body); err != nil {
			return
		}
		thread.Reconcile(body.Messages)
		for _, m := range body.Messages {
			if !seen[m.ID] {
				seen[m.ID] = true
				printMessage(m, false)
			}
		}
	case "peer":
		var st presence.Status
		if err := json.Unmarshal(f.Data, &st); err != nil {
			return
		}
		if st.Online {
			fmt.Printf("-- %s is online\n", st.UserID)
		} else {
			fmt.Printf("-- %s is offline\n", st.UserID)
		}
	}
}

func deleteLast(ctx context.Context, thread *client.Thread, self string) {
	bubbles := thread.Bubbles()
	for i := len(bubbles) - 1; i >= 0; i-- {
		b := bubbles[i]
		if b.Pending || b.SenderID != self {
			continue
		}
		if res := thread.Delete(ctx, b.ID); !res.Committed {
			fmt.Fprintf(os.Stderr, "not deleted: %v\n", res.Err)
		} else {
			fmt.Println("-- deleted")
		}
		return
	}
	fmt.Fprintln(os.Stderr, "nothing of yours to delete")
}
