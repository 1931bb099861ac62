package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/config"
	"github.com/fluxwire/broker-gateway/pkg/gateway"
	"github.com/fluxwire/broker-gateway/pkg/utils"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "Publish, consume and remove messages through a configured broker backend",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
			},
			&cli.StringFlag{
				Name:     "broker",
				Aliases:  []string{"b"},
				Usage:    "Broker type to use (amqp, sqs, kafka, redis)",
				EnvVars:  []string{"BROKER_TYPE"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "publish",
				Usage: "Publish one message to a topic",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "topic",
						Aliases:  []string{"t"},
						Usage:    "Topic to publish to",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "type",
						Usage:    "Message type carried in the envelope",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "version",
						Usage: "Message schema version",
						Value: 1,
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "Message ID (generated when omitted)",
					},
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "Message payload as a JSON document",
						Required: true,
					},
				},
				Action: runPublish,
			},
			{
				Name:  "consume",
				Usage: "Consume one batch from a topic and print it as JSON lines",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "topic",
						Aliases:  []string{"t"},
						Usage:    "Topic to consume from",
						Required: true,
					},
				},
				Action: runConsume,
			},
			{
				Name:  "remove",
				Usage: "Remove a previously consumed message from a topic",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "topic",
						Aliases:  []string{"t"},
						Usage:    "Topic to remove from",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "receipt",
						Usage: "Backend receipt handle captured at consume time",
					},
					&cli.StringFlag{
						Name:  "envelope",
						Usage: "Full envelope JSON captured at consume time",
					},
				},
				Action: runRemove,
			},
			{
				Name:   "capabilities",
				Usage:  "Print the capability descriptor of the configured broker",
				Action: runCapabilities,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup builds the configured gateway and connects it. The returned teardown
// disconnects and flushes the logger.
func setup(c *cli.Context) (context.Context, *gateway.Gateway, func(), error) {
	sugar, err := utils.NewSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	gw, err := gateway.New(c.String("broker"), config.NewEnv(sugar), sugar, nil)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	if err := gw.Connect(ctx); err != nil {
		stop()
		return nil, nil, nil, err
	}

	teardown := func() {
		ctxD, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Disconnect(ctxD); err != nil {
			sugar.Warnw("failed to disconnect", "broker", gw.Name(), "error", err)
		}
		stop()
		sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors
	}
	return ctx, gw, teardown, nil
}

func runPublish(c *cli.Context) error {
	ctx, gw, teardown, err := setup(c)
	if err != nil {
		return err
	}
	defer teardown()

	data := json.RawMessage(c.String("data"))
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON: %s", c.String("data"))
	}
	id := c.String("id")
	if id == "" {
		id = uuid.NewString()
	}
	env := gatewayEnvelope(c.String("type"), c.Int("version"), id, data)
	if err := gw.Publish(ctx, c.String("topic"), env); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runConsume(c *cli.Context) error {
	ctx, gw, teardown, err := setup(c)
	if err != nil {
		return err
	}
	defer teardown()

	batch, err := gw.Consume(ctx, c.String("topic"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, d := range batch {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("failed to encode delivery: %w", err)
		}
	}
	return nil
}

func runRemove(c *cli.Context) error {
	ctx, gw, teardown, err := setup(c)
	if err != nil {
		return err
	}
	defer teardown()

	var d broker.Delivery
	if raw := c.String("envelope"); raw != "" {
		env, err := broker.Open([]byte(raw))
		if err != nil {
			return fmt.Errorf("failed to decode envelope: %w", err)
		}
		d.Envelope = env
	}
	d.Receipt = c.String("receipt")
	return gw.Remove(ctx, c.String("topic"), d)
}

func runCapabilities(c *cli.Context) error {
	sugar, err := utils.NewSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	// Capabilities are static per adapter; no Connect needed.
	gw, err := gateway.New(c.String("broker"), config.NewEnv(sugar), sugar, nil)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(gw.Capabilities())
}

func gatewayEnvelope(msgType string, version int, id string, data json.RawMessage) broker.Envelope {
	return broker.New(msgType, version, id, time.Now().UTC().Format(time.RFC3339), data)
}
