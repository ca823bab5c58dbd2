package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/barterline/parley/internal/client"
	"github.com/barterline/parley/internal/connection"
	"github.com/barterline/parley/internal/model"
)

var negotiateCmd = &cobra.Command{
	Use:   "negotiate <channel-id>",
	Short: "Join a negotiation channel and haggle interactively",
	Long: `Connects, joins the given channel, and reads actions from stdin:

  /offer <amount>   propose a price
  /accept           accept the current offer
  /reject           reject the current offer
  /cancel           cancel the negotiation
  /status           print negotiation state
  /quit             leave and exit
  anything else     sent as a chat message`,
	Args: cobra.ExactArgs(1),
	RunE: runNegotiate,
}

func init() {
	rootCmd.AddCommand(negotiateCmd)
}

func runNegotiate(cmd *cobra.Command, args []string) error {
	channelID := args[0]
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	session, err := client.New(ctx, *cfg, logger)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	identity, err := session.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("connected as %s\n", identity.Username)

	if err := session.Join(ctx, channelID); err != nil {
		return fmt.Errorf("join %s: %w", channelID, err)
	}
	fmt.Printf("joined %s (%d participants)\n", channelID, len(session.Participants()))

	for _, msg := range session.History(channelID) {
		printMessage(msg)
	}

	go watchEvents(ctx, session)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(session, channelID, strings.TrimSpace(line))
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
			if done {
				session.Leave()
				return nil
			}
		}
	}
}

func handleLine(session *client.Session, channelID, line string) (bool, error) {
	switch {
	case line == "":
		return false, nil

	case line == "/quit":
		return true, nil

	case line == "/accept":
		_, err := session.AcceptOffer(channelID)
		return false, err

	case line == "/reject":
		_, err := session.RejectOffer(channelID)
		return false, err

	case line == "/cancel":
		_, err := session.CancelNegotiation(channelID)
		return false, err

	case line == "/status":
		printStatus(session, channelID)
		return false, nil

	case strings.HasPrefix(line, "/offer "):
		amount, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "/offer ")), 64)
		if err != nil {
			return false, fmt.Errorf("bad amount: %w", err)
		}
		_, err = session.SendOffer(channelID, amount)
		return false, err

	case strings.HasPrefix(line, "/"):
		return false, fmt.Errorf("unknown command %q", strings.Fields(line)[0])

	default:
		_, err := session.SendText(channelID, line)
		return false, err
	}
}

// watchEvents prints inbound traffic until the context ends.
func watchEvents(ctx context.Context, session *client.Session) {
	messages := session.Messages().Subscribe()
	defer messages.Unsubscribe()
	dropped := session.Dropped().Subscribe()
	defer dropped.Unsubscribe()
	states := session.StateChanges().Subscribe()
	defer states.Unsubscribe()
	fatal := session.Fatal().Subscribe()
	defer fatal.Unsubscribe()
	quality := session.QualityChanges().Subscribe()
	defer quality.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messages.C():
			printMessage(msg)
		case drop := <-dropped.C():
			fmt.Printf("! message %s dropped: %s (resend manually)\n", drop.TempID, drop.Reason)
		case change := <-states.C():
			if change.To == connection.StateReconnecting {
				fmt.Println("* connection lost, reconnecting...")
			}
			if change.Reestablished {
				fmt.Println("* connection restored")
			}
			if change.To == connection.StateOffline {
				fmt.Println("* offline: reconnect attempts exhausted")
			}
		case err := <-fatal.C():
			fmt.Printf("! fatal: %v\n", err)
		case q := <-quality.C():
			if q == connection.QualityPoor {
				fmt.Println("* connection quality degraded")
			}
		}
	}
}

func printMessage(msg model.Message) {
	switch msg.Type {
	case model.MessageOffer:
		fmt.Printf("[round %d] %s offers %.2f\n", msg.Round, msg.SenderRole, msg.OfferAmount)
	case model.MessageAccept:
		fmt.Printf("[round %d] %s accepted the offer\n", msg.Round, msg.SenderRole)
	case model.MessageReject:
		fmt.Printf("[round %d] %s rejected the offer\n", msg.Round, msg.SenderRole)
	case model.MessageCancel:
		fmt.Printf("%s cancelled the negotiation\n", msg.SenderRole)
	default:
		fmt.Printf("<%s> %s\n", msg.SenderRole, msg.Content)
	}
}

func printStatus(session *client.Session, channelID string) {
	neg, ok := session.Negotiation(channelID)
	if !ok {
		fmt.Println("no negotiation state yet")
		return
	}
	fmt.Printf("status=%s round=%d/%d offer=%.2f", neg.Status, neg.Round, neg.MaxRounds, neg.CurrentOffer)
	if neg.Status == model.StatusAccepted {
		fmt.Printf(" final=%.2f", neg.FinalPrice)
	}
	fmt.Printf(" connection=%s quality=%s\n", session.State(), session.Quality())
}
