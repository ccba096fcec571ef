// Copyright 2026 The podmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/podmq/client"
	"github.com/alwitt/podmq/common"
	"github.com/alwitt/podmq/transport"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

type brokerArgs struct {
	Host        string `json:"host" validate:"required"`
	ControlPort int    `json:"control_port" validate:"required,gt=0,lt=65536"`
	PodPort     int    `json:"pod_port" validate:"required,gt=0,lt=65536"`
}

type podArgs struct {
	Name     string        `json:"name" validate:"required"`
	Interval time.Duration `json:"interval" validate:"required,gt=0"`
	Channels int           `json:"channels" validate:"gte=0,lte=64"`
}

type subscribeArgs struct {
	ListenOn   string `json:"listen_on" validate:"required,ip"`
	ListenPort int    `json:"listen_port" validate:"gte=0,lt=65536"`
}

type cmdArgs struct {
	JSONLog   bool
	LogLevel  string        `validate:"required,oneof=debug info warn error"`
	Broker    brokerArgs    `json:"broker" validate:"required,dive"`
	Pod       podArgs       `json:"pod" validate:"-"`
	Subscribe subscribeArgs `json:"subscribe" validate:"-"`
	Timeout   time.Duration `json:"timeout" validate:"gt=0"`
}

var args cmdArgs

func main() {
	app := &cli.App{
		Usage: "podmq test pods and subscribers",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &args.LogLevel,
				Required:    false,
			},
			// Broker
			&cli.StringFlag{
				Name:        "broker-host",
				Usage:       "Broker host",
				Aliases:     []string{"bh"},
				EnvVars:     []string{"BROKER_HOST"},
				Value:       "127.0.0.1",
				DefaultText: "127.0.0.1",
				Destination: &args.Broker.Host,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "broker-control-port",
				Usage:       "Broker client control port",
				Aliases:     []string{"bcp"},
				EnvVars:     []string{"BROKER_CONTROL_PORT"},
				Value:       8001,
				DefaultText: "8001",
				Destination: &args.Broker.ControlPort,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "broker-pod-port",
				Usage:       "Broker pod ingress port",
				Aliases:     []string{"bpp"},
				EnvVars:     []string{"BROKER_POD_PORT"},
				Value:       8000,
				DefaultText: "8000",
				Destination: &args.Broker.PodPort,
				Required:    false,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "How long to wait for broker replies",
				Aliases:     []string{"t"},
				EnvVars:     []string{"BROKER_REPLY_TIMEOUT"},
				Value:       time.Second * 2,
				DefaultText: "2s",
				Destination: &args.Timeout,
				Required:    false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "pod",
				Usage:       "Run a simulated pod",
				Description: "Send timestamped sequence numbered readings to the broker",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "name",
						Usage:       "Pod name, used as the OSC address",
						Aliases:     []string{"n"},
						EnvVars:     []string{"POD_NAME"},
						Value:       "/pod1",
						DefaultText: "/pod1",
						Destination: &args.Pod.Name,
						Required:    false,
					},
					&cli.DurationFlag{
						Name:        "interval",
						Usage:       "Time between readings",
						Aliases:     []string{"i"},
						EnvVars:     []string{"POD_INTERVAL"},
						Value:       time.Millisecond * 100,
						DefaultText: "100ms",
						Destination: &args.Pod.Interval,
						Required:    false,
					},
					&cli.IntFlag{
						Name:        "channels",
						Usage:       "Sensor values per reading",
						Aliases:     []string{"c"},
						EnvVars:     []string{"POD_CHANNELS"},
						Value:       3,
						DefaultText: "3",
						Destination: &args.Pod.Channels,
						Required:    false,
					},
				},
				Action: runPod,
			},
			{
				Name:        "subscribe",
				Usage:       "Subscribe to pods and report latency and loss",
				Description: "Register with the broker, connect to each named pod, then print readings",
				ArgsUsage:   "POD [POD...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "listen-on",
						Usage:       "Local interface to receive readings on",
						EnvVars:     []string{"SUBSCRIBER_LISTEN_ON"},
						Value:       "127.0.0.1",
						DefaultText: "127.0.0.1",
						Destination: &args.Subscribe.ListenOn,
						Required:    false,
					},
					&cli.IntFlag{
						Name:        "listen-port",
						Usage:       "Local port to receive readings on. 0 picks an ephemeral port.",
						EnvVars:     []string{"SUBSCRIBER_LISTEN_PORT"},
						Value:       0,
						DefaultText: "0",
						Destination: &args.Subscribe.ListenPort,
						Required:    false,
					},
				},
				Action: runSubscriber,
			},
			{
				Name:  "list",
				Usage: "Print the broker's active pods",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "listen-on",
						Usage:       "Local interface to receive the reply on",
						EnvVars:     []string{"SUBSCRIBER_LISTEN_ON"},
						Value:       "127.0.0.1",
						DefaultText: "127.0.0.1",
						Destination: &args.Subscribe.ListenOn,
						Required:    false,
					},
				},
				Action: listPods,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

// prepare validate the arguments and set up logging
func prepare() error {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		return err
	}
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
	tmp, err := json.Marshal(&args)
	if err != nil {
		log.WithError(err).Error("Failed to marshal args")
		return err
	}
	log.Debugf("Starting params %s", tmp)
	return nil
}

// waitForInterrupt block until SIGINT
func waitForInterrupt() {
	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt)
	defer signal.Stop(cc)
	<-cc
}

func runPod(c *cli.Context) error {
	if err := prepare(); err != nil {
		return err
	}
	validate := validator.New()
	if err := validate.Struct(&args.Pod); err != nil {
		return err
	}
	wg := sync.WaitGroup{}
	defer wg.Wait()
	opContext, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := transport.UDPDialer{}.Dial(args.Broker.Host, args.Broker.PodPort)
	if err != nil {
		log.WithError(err).Error("Unable to reach broker")
		return err
	}
	defer conn.Close()

	timer, err := common.GetIntervalTimerInstance(opContext, &wg, args.Pod.Name)
	if err != nil {
		return err
	}
	var sequence int64
	if err := timer.Start(args.Pod.Interval, func() error {
		reading := client.Reading{
			RemoteTime: time.Now(),
			Sequence:   sequence,
			Values:     make([]interface{}, args.Pod.Channels),
		}
		for itr := range reading.Values {
			reading.Values[itr] = rand.Float32()
		}
		sequence++
		return conn.Send(args.Pod.Name, reading.Arguments()...)
	}, false); err != nil {
		log.WithError(err).Error("Unable to start send loop")
		return err
	}

	waitForInterrupt()
	return timer.Stop()
}

func runSubscriber(c *cli.Context) error {
	if err := prepare(); err != nil {
		return err
	}
	validate := validator.New()
	if err := validate.Struct(&args.Subscribe); err != nil {
		return err
	}
	if c.NArg() == 0 {
		return fmt.Errorf("no pods to subscribe to")
	}
	wg := sync.WaitGroup{}
	defer wg.Wait()
	opContext, cancel := context.WithCancel(context.Background())
	defer cancel()

	losses := client.NewLossTracker()
	session, err := client.GetSession(opContext, &wg, client.SessionParams{
		BrokerHost:  args.Broker.Host,
		ControlPort: args.Broker.ControlPort,
		ListenOn:    args.Subscribe.ListenOn,
		ListenPort:  args.Subscribe.ListenPort,
	}, func(_ context.Context, msg transport.Message) error {
		reading, err := client.ParseReading(msg)
		if err != nil {
			// Not in the test pod layout
			fmt.Println(msg.String())
			return nil
		}
		report := losses.Observe(reading.Pod, reading.Sequence)
		fmt.Printf(
			"%s seq=%d latency=%s dropped=%d loss=%.2f%% %v\n",
			reading.Pod,
			reading.Sequence,
			reading.Latency(time.Now()),
			report.Dropped,
			report.LossPercent,
			reading.Values,
		)
		return nil
	})
	if err != nil {
		return err
	}

	{
		ctxt, cancel := context.WithTimeout(opContext, args.Timeout)
		defer cancel()
		if err := session.Register(ctxt); err != nil {
			return err
		}
	}
	for _, pod := range c.Args().Slice() {
		if err := session.Connect(pod); err != nil {
			log.WithError(err).Errorf("Unable to connect to %s", pod)
			return err
		}
	}

	waitForInterrupt()

	for _, pod := range c.Args().Slice() {
		if err := session.Disconnect(pod); err != nil {
			log.WithError(err).Errorf("Unable to disconnect from %s", pod)
		}
	}
	return nil
}

func listPods(c *cli.Context) error {
	if err := prepare(); err != nil {
		return err
	}
	wg := sync.WaitGroup{}
	defer wg.Wait()
	opContext, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := client.GetSession(opContext, &wg, client.SessionParams{
		BrokerHost:  args.Broker.Host,
		ControlPort: args.Broker.ControlPort,
		ListenOn:    args.Subscribe.ListenOn,
	}, func(context.Context, transport.Message) error { return nil })
	if err != nil {
		return err
	}

	ctxt, timeoutCancel := context.WithTimeout(opContext, args.Timeout)
	defer timeoutCancel()
	if err := session.Register(ctxt); err != nil {
		return err
	}
	pods, err := session.ListPods(ctxt)
	if err != nil {
		return err
	}
	for _, pod := range pods {
		fmt.Println(pod)
	}
	return nil
}
