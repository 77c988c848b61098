// Command peer joins a meshcall room from the terminal: it runs the full
// client session (signaling, peer links, speaking set) with the pion
// engine and prints room events. Useful for soaking a browser room with
// extra members.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/rtc"
	"github.com/ndenisov/meshcall/internal/session"
)

var (
	flagServer string
	flagRoom   string
	flagUser   string
	flagName   string
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Headless meshcall room member",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flagServer, "server", "http://localhost:8000", "relay base URL")
	rootCmd.Flags().StringVar(&flagRoom, "room", "", "room id to join")
	rootCmd.Flags().StringVar(&flagUser, "user", "", "stable user id (generated when empty)")
	rootCmd.Flags().StringVar(&flagName, "name", "peer", "display name")
	_ = rootCmd.MarkFlagRequired("room")
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	roomID, err := domain.ParseRoomID(flagRoom)
	if err != nil {
		return err
	}
	userID := domain.NewUserID()
	if flagUser != "" {
		if userID, err = domain.ParseUserID(flagUser); err != nil {
			return err
		}
	}

	sess := session.New(session.Options{
		RelayURL: flagServer,
		RoomID:   roomID,
		UserID:   userID,
		Profile:  domain.Profile{FirstName: flagName, Username: flagName},
		Engine:   rtc.NewEngine(),
		Media:    rtc.NewStaticSource(),
		Handler:  consoleHandler{},
	})
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()

	log.Info().Str("room", string(roomID)).Str("user", string(userID)).Msg("joined, Ctrl-C to leave")
	<-ctx.Done()
	return nil
}

type consoleHandler struct{}

func (consoleHandler) RosterChanged(members []domain.Member) {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Profile.FirstName)
	}
	log.Info().Strs("members", names).Msg("roster")
}

func (consoleHandler) StreamAdded(user domain.UserID, t session.RemoteTrack) {
	log.Info().Str("user", string(user)).Str("stream", t.StreamID()).Msg("stream added")
}

func (consoleHandler) StreamRemoved(user domain.UserID) {
	log.Info().Str("user", string(user)).Msg("stream removed")
}

func (consoleHandler) SpeakingChanged(user domain.UserID, speaking bool) {
	log.Info().Str("user", string(user)).Bool("speaking", speaking).Msg("speaking")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("peer failed")
		os.Exit(1)
	}
}
