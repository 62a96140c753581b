package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/crystal/internal/decay"
	"github.com/lazypower/crystal/internal/engine"
	"github.com/lazypower/crystal/internal/store"
)

const requestTimeout = 15 * time.Second

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// --- profile command ---

var (
	profileName    string
	profileAvatar  string
	profileBio     string
	profilePrivate bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update your profile",
	Long:  "With no flags, prints your profile. Any of --name, --avatar, --bio or --private replaces it.",
	RunE:  runProfile,
}

func runProfile(cmd *cobra.Command, args []string) error {
	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	var p *store.Profile
	flags := cmd.Flags()
	if flags.Changed("name") || flags.Changed("avatar") || flags.Changed("bio") || flags.Changed("private") {
		p, err = c.UpdateProfile(ctx, engine.ProfileUpdate{
			Username:  profileName,
			AvatarURL: profileAvatar,
			Bio:       profileBio,
			IsPrivate: profilePrivate,
		})
	} else {
		p, err = c.Me(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", p.Username, p.UserID)
	if p.Bio != "" {
		fmt.Printf("  %s\n", p.Bio)
	}
	if p.AvatarURL != "" {
		fmt.Printf("  avatar: %s\n", p.AvatarURL)
	}
	if p.IsPrivate {
		fmt.Println("  private")
	}
	return nil
}

// --- open command ---

var openCmd = &cobra.Command{
	Use:   "open <user>",
	Short: "Start or resume a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		v, err := c.Open(ctx, args[0])
		if err != nil {
			return err
		}
		printConversation(v)
		return nil
	},
}

// --- send command ---

var sendAttach string

var sendCmd = &cobra.Command{
	Use:   "send <user> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		v, err := c.Open(ctx, args[0])
		if err != nil {
			return err
		}
		res, err := c.SendMessage(ctx, v.ID, strings.Join(args[1:], " "), sendAttach)
		if err != nil {
			return err
		}

		fmt.Printf("sent %s\n", res.Message.ID)
		fmt.Printf("crystal: %s, streak %d\n", res.Crystal.Level, res.Crystal.Streak)
		if res.Change.Celebrate() {
			fmt.Printf("  %s!\n", celebration(res.Change))
		}
		return nil
	},
}

func celebration(ch decay.Change) string {
	if ch.First {
		return "a new crystal formed"
	}
	return fmt.Sprintf("your crystal went from %s to %s", ch.From, ch.To)
}

// --- history command ---

var historyCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Print the messages exchanged with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		convID, err := store.CanonicalID(c.UserID(), args[0])
		if err != nil {
			v, openErr := c.Open(ctx, args[0])
			if openErr != nil {
				return openErr
			}
			convID = v.ID
		}
		msgs, err := c.Messages(ctx, convID)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, false)
		}
		_, err = c.MarkRead(ctx, convID, 0)
		return err
	},
}

// --- inbox command ---

var (
	inboxLimit    int
	inboxMarkRead bool
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations and notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		convs, err := c.Conversations(ctx)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet. Start one with `crystal open <user>`.")
		}
		for i := range convs {
			printConversation(&convs[i])
		}

		in, err := c.Notifications(ctx, inboxLimit)
		if err != nil {
			return err
		}
		if len(in.Notifications) > 0 {
			fmt.Printf("\n## Notifications (%d unread)\n\n", in.Unread)
			for _, n := range in.Notifications {
				mark := " "
				if n.ReadAt == nil {
					mark = "*"
				}
				desc := n.Text
				if n.Type == store.NotifyMilestone {
					desc = "crystal is now " + n.Level
				}
				fmt.Printf("%s %s  %s: %s\n", mark, formatTime(n.CreatedAt), n.ActorID, desc)
			}
		}

		if inboxMarkRead {
			if _, err := c.MarkNotificationsRead(ctx); err != nil {
				return err
			}
		}
		return nil
	},
}

// --- presence command ---

var presenceCmd = &cobra.Command{
	Use:   "presence [user]",
	Short: "Show a user's presence, or send a heartbeat for yourself",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		if len(args) == 0 {
			if err := c.Heartbeat(ctx); err != nil {
				return err
			}
			fmt.Println("heartbeat sent")
			return nil
		}

		st, err := c.Presence(ctx, args[0])
		if err != nil {
			return err
		}
		switch {
		case st.Online:
			fmt.Printf("%s is online\n", st.UserID)
		case st.LastSeenAt != nil:
			fmt.Printf("%s was last seen %s\n", st.UserID, formatTime(*st.LastSeenAt))
		default:
			fmt.Printf("%s has never been seen\n", st.UserID)
		}
		return nil
	},
}

// --- upload command ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an image or video and print its URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		up, err := c.Upload(ctx, f)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s, %d bytes)\n", up.URL, up.ContentType, up.Size)
		return nil
	},
}

func init() {
	profileCmd.Flags().StringVar(&profileName, "name", "", "Display name")
	profileCmd.Flags().StringVar(&profileAvatar, "avatar", "", "Avatar URL")
	profileCmd.Flags().StringVar(&profileBio, "bio", "", "Short bio")
	profileCmd.Flags().BoolVar(&profilePrivate, "private", false, "Mark the profile private")

	sendCmd.Flags().StringVar(&sendAttach, "attach", "", "Attachment URL, as printed by the upload command")

	inboxCmd.Flags().IntVarP(&inboxLimit, "limit", "n", 20, "Maximum number of notifications")
	inboxCmd.Flags().BoolVar(&inboxMarkRead, "read", false, "Mark notifications read after listing")
}

func printConversation(v *engine.ConversationView) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	name := v.Other.Username
	if name == "" {
		name = v.Other.UserID
	}
	crystal := "no crystal yet"
	if v.Crystal != nil {
		crystal = fmt.Sprintf("%s, streak %d", v.Crystal.Level, v.Crystal.Streak)
	}
	unread := ""
	if v.Unread > 0 {
		unread = fmt.Sprintf("(%d unread)", v.Unread)
	}
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, name, crystal, unread)
	if v.LastMessage != nil {
		fmt.Fprintf(tw, "\t  %s: %s\t\t\n", v.LastMessage.SenderID, v.LastMessage.Text)
	}
	tw.Flush()
}

func printMessage(m store.Message, pending bool) {
	suffix := ""
	if pending {
		suffix = " (sending)"
	}
	line := m.Text
	if m.AttachmentURL != "" {
		line += " [" + m.AttachmentURL + "]"
	}
	fmt.Printf("%s  %s: %s%s\n", formatTime(m.CreatedAt), m.SenderID, line, suffix)
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Local().Format("Jan 2 15:04")
}
