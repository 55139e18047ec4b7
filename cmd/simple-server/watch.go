package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/davehorton/drachtio-simple-server/internal/events"
	"github.com/davehorton/drachtio-simple-server/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch [topic]",
	Short:   "Follow state and subscription events on the NATS bus",
	GroupID: "ops",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL, _ := cmd.Flags().GetString("nats-url")
		if natsURL == "" {
			return fmt.Errorf("--nats-url or SIMPLE_NATS_URL is required")
		}
		topic := events.TopicAll
		if len(args) == 1 {
			topic = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sub, err := events.NewNATSSubscriber(natsURL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Printf("nats: disconnected: %v", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				log.Printf("nats: reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer sub.Close()

		ch, cancel, err := sub.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		defer cancel()

		ui.Setup(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				printEvent(msg)
			}
		}
	},
}

func init() {
	watchCmd.Flags().String("nats-url", os.Getenv("SIMPLE_NATS_URL"), "NATS server URL")
}

func printEvent(msg events.Message) {
	if jsonOutput {
		fmt.Printf("{\"topic\":%q,\"data\":%s}\n", msg.Topic, msg.Data)
		return
	}
	fmt.Printf("%s %s %s\n",
		ui.RenderMuted(time.Now().Format("15:04:05")),
		ui.RenderTopic(msg.Topic),
		summarize(msg),
	)
}

// summarize renders the interesting fields of a known payload.
func summarize(msg events.Message) string {
	switch {
	case strings.HasPrefix(msg.Topic, "simple.state."):
		var ev events.StateChanged
		if json.Unmarshal(msg.Data, &ev) == nil {
			return fmt.Sprintf("%s %s etag=%s expires=%d", ev.Resource, ev.Event, ev.ETag, ev.Expires)
		}
	case strings.HasPrefix(msg.Topic, "simple.subscription."):
		var ev events.SubscriptionChanged
		if json.Unmarshal(msg.Data, &ev) == nil {
			s := fmt.Sprintf("%s -> %s %s call-id=%s", ev.Subscriber, ev.Resource, ev.Event, ev.DialogID)
			if ev.Reason != "" {
				s += " reason=" + ev.Reason
			}
			return s
		}
	}
	return string(msg.Data)
}
