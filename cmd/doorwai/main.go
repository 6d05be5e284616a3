package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/doorwai/doorwai-client/internal/api"
	"github.com/doorwai/doorwai-client/internal/auth/google"
	"github.com/doorwai/doorwai-client/internal/config"
	"github.com/doorwai/doorwai-client/internal/device"
	authmodel "github.com/doorwai/doorwai-client/internal/model/auth"
	callsvc "github.com/doorwai/doorwai-client/internal/service/call"
	chatsvc "github.com/doorwai/doorwai-client/internal/service/chat"
	conversationsvc "github.com/doorwai/doorwai-client/internal/service/conversation"
	sessionsvc "github.com/doorwai/doorwai-client/internal/service/session"
	"github.com/doorwai/doorwai-client/internal/store"
)

var (
	verbose bool

	logger   *zap.Logger
	cfg      *config.Config
	session  *sessionsvc.Manager
	registry *conversationsvc.Registry
	chat     *chatsvc.Manager
	liveCall *callsvc.Client
)

var rootCmd = &cobra.Command{
	Use:           "doorwai",
	Short:         "DoorwAI companion client",
	Long:          "Command-line client for the DoorwAI backend: sign-in, AI chat, voice calls and call transcripts.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "no .env file found, using system environment")
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		logCfg := zap.NewProductionConfig()
		if verbose {
			logCfg = zap.NewDevelopmentConfig()
		}
		logger, err = logCfg.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		st, err := store.NewFileStore(cfg.Store.DataDir)
		if err != nil {
			return fmt.Errorf("open secure store: %w", err)
		}

		deviceID, err := device.ID(st)
		if err != nil {
			return err
		}

		backend := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)

		resolver := google.NewResolver(google.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			CallbackPort: cfg.Auth.CallbackPort,
		}, logger)
		resolver.Prompt = func(authURL string) {
			fmt.Printf("Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
		}

		session = sessionsvc.NewManager(st, backend, resolver, logger)
		registry = conversationsvc.NewRegistry(st, backend, deviceID, logger)
		chat = chatsvc.NewManager(st, backend, func() string {
			if snap := session.Snapshot(); snap.User != nil {
				return snap.User.UID
			}
			return ""
		}, logger)
		liveCall = callsvc.NewClient(callsvc.Config{
			URL:     cfg.Call.WSURL,
			AgentID: cfg.Call.AgentID,
			Timeout: cfg.Call.Timeout,
		}, registry, logger)

		ctx := cmd.Context()
		if err := session.Restore(ctx); err != nil {
			return err
		}
		if err := registry.Load(); err != nil {
			return err
		}
		return chat.Load()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with Google",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Auth.Enabled() {
			return fmt.Errorf("sign-in is not configured: set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
		}
		ok, err := session.LoginWithGoogle(cmd.Context())
		if err != nil {
			if ok && errors.Is(err, sessionsvc.ErrProfileSyncDeferred) {
				fmt.Println("Warning: signed in, but the server could not be reached. Some features may be limited.")
			} else {
				return err
			}
		}
		snap := session.Snapshot()
		fmt.Printf("Signed in as %s <%s>\n", snap.User.Name, snap.User.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear local credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Logout(); err != nil {
			return err
		}
		// The chat session is keyed to the user; drop it with the identity.
		if err := chat.Clear(); err != nil {
			logger.Warn("could not clear chat session on logout", zap.Error(err))
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap := session.Snapshot()
		if !snap.IsAuthenticated {
			fmt.Println("Not signed in.")
			return nil
		}
		fmt.Printf("%s <%s> (uid %s)\n", snap.User.Name, snap.User.Email, snap.User.UID)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect or update profile data",
}

var profileGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the cached profile record",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap := session.Snapshot()
		if !snap.IsAuthenticated {
			return sessionsvc.ErrNotAuthenticated
		}
		if snap.ProfileData == nil {
			fmt.Println("No profile data yet.")
			return nil
		}
		return printJSON(snap.ProfileData)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set key=value [key=value ...]",
	Short: "Send a partial profile update",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := authmodel.Patch{}
		for _, arg := range args {
			key, raw, ok := strings.Cut(arg, "=")
			if !ok || key == "" {
				return fmt.Errorf("expected key=value, got %q", arg)
			}
			if err := patch.Set(key, parseValue(raw)); err != nil {
				return err
			}
		}
		if err := session.UpdateProfileData(cmd.Context(), patch); err != nil {
			return err
		}
		fmt.Println("Profile updated.")
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <phone-number>",
	Short: "Start an outbound voice call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := registry.InitiateCall(cmd.Context(), args[0], currentUserID())
		if err != nil {
			return err
		}
		if resp.ConversationID != "" {
			fmt.Printf("Call started, conversation %s\n", resp.ConversationID)
		} else {
			fmt.Println("Call started.")
		}
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage this device's conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally known conversation ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := registry.List()
		if len(ids) == 0 {
			fmt.Println("No conversations on this device.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var conversationsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replace the local list with the server's list for this user",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap := session.Snapshot()
		if !snap.IsAuthenticated {
			return sessionsvc.ErrNotAuthenticated
		}
		ids, err := registry.FetchUserConversations(cmd.Context(), snap.User.UID)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d conversation(s).\n", len(ids))
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation on the server, then locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := registry.DeleteConversation(cmd.Context(), args[0], currentUserID()); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "Fetch transcripts for every known conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		details := registry.FetchSavedConversationDetails(cmd.Context())
		if len(details) == 0 {
			fmt.Println("No conversations on this device.")
			return nil
		}
		for _, detail := range details {
			if detail.Err != "" {
				fmt.Printf("%s: error: %s\n", detail.ConversationID, detail.Err)
				continue
			}
			fmt.Printf("%s: %d message(s)\n", detail.ConversationID, len(detail.Transcript.Messages))
			for _, msg := range detail.Transcript.Messages {
				fmt.Printf("  [%s] %s\n", msg.Role, msg.Message)
			}
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the AI assistant",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to the assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := chat.SendMessage(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

var chatNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a fresh chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := chat.Clear(); err != nil {
			return err
		}
		fmt.Println("Started a new chat.")
		return nil
	},
}

var livecallCmd = &cobra.Command{
	Use:   "livecall",
	Short: "Talk to the voice agent directly from this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Call.Enabled() {
			return fmt.Errorf("no voice agent configured: set AGENT_ID")
		}
		ctx := cmd.Context()
		liveSession, err := liveCall.Start(ctx)
		if err != nil {
			return err
		}
		defer liveSession.Close()

		fmt.Printf("Connected, conversation %s. Type to talk, Ctrl-C to hang up.\n", liveSession.ConversationID())

		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := liveSession.SendText(line); err != nil {
					logger.Warn("could not send message", zap.Error(err))
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-liveSession.Events():
				if !ok {
					fmt.Println("Call ended.")
					return nil
				}
				fmt.Printf("[%s] %s\n", event.Role, event.Text)
			}
		}
	},
}

// currentUserID picks the attribution user id: the signed-in user, or the
// active chat session's user as a fallback.
func currentUserID() string {
	if snap := session.Snapshot(); snap.IsAuthenticated {
		return snap.User.UID
	}
	if cs, ok := chat.Session(); ok {
		return cs.UserID
	}
	return ""
}

// parseValue maps CLI strings to the scalar types the profile accepts.
func parseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	profileCmd.AddCommand(profileGetCmd, profileSetCmd)
	conversationsCmd.AddCommand(conversationsListCmd, conversationsSyncCmd, conversationsDeleteCmd)
	chatCmd.AddCommand(chatSendCmd, chatNewCmd)

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, profileCmd, callCmd,
		conversationsCmd, transcriptsCmd, chatCmd, livecallCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
