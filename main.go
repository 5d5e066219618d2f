// Copyright 2021-2022 The curio Authors
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
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/curio/cmd"
	"github.com/alwitt/curio/common"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var producerArgs cmd.ProducerCLIArgs

var consumerArgs cmd.ConsumerCLIArgs

var logTags log.Fields

// @title curio
// @version v0.1.0
// @description TCP notification broker with primary / backup consumer routing

// @host localhost:6790
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "TCP notification broker with primary / backup consumer routing",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "broker",
				Usage:       "Run the notification broker",
				ArgsUsage:   "[ip] [port]",
				Description: "Accepts producer and consumer connections and routes notifications",
				Action:      startBroker,
			},
			{
				Name:        "producer",
				Usage:       "Publish notifications to a broker",
				ArgsUsage:   "[ip] [port]",
				Description: "Connects as a producer and publishes one notification COUNT times",
				Flags:       producerFlags(),
				Action:      startProducer,
			},
			{
				Name:        "consumer",
				Usage:       "Receive notifications from a broker",
				ArgsUsage:   "[ip] [port]",
				Description: "Connects as a consumer and logs every notification received",
				Flags:       consumerFlags(),
				Action:      startConsumer,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

func producerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "message",
			Usage:       "JSON encoded notification to publish. Sample ValidateEmail if not specified.",
			Aliases:     []string{"m"},
			EnvVars:     []string{"PRODUCER_MESSAGE"},
			Value:       "",
			DefaultText: "",
			Destination: &producerArgs.Message,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "count",
			Usage:       "Number of times to publish the notification",
			Aliases:     []string{"n"},
			EnvVars:     []string{"PRODUCER_COUNT"},
			Value:       1,
			DefaultText: "1",
			Destination: &producerArgs.Count,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Wait between publishes",
			Aliases:     []string{"i"},
			EnvVars:     []string{"PRODUCER_INTERVAL"},
			Value:       0,
			DefaultText: "0s",
			Destination: &producerArgs.Interval,
			Required:    false,
		},
	}
}

func consumerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "consumer-kind",
			Usage:       "Consumer type to announce: [SMS Email]",
			Aliases:     []string{"k"},
			EnvVars:     []string{"CONSUMER_KIND"},
			Value:       "SMS",
			DefaultText: "SMS",
			Destination: &consumerArgs.ConsumerKind,
			Required:    false,
		},
		&cli.StringSliceFlag{
			Name:     "subscribe",
			Usage:    "Notification kind to subscribe to. May be repeated.",
			Aliases:  []string{"s"},
			EnvVars:  []string{"CONSUMER_SUBSCRIPTIONS"},
			Value:    cli.NewStringSlice("AuctionOutbid"),
			Required: false,
		},
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
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
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// resolveAddress apply the positional [ip] [port] on top of the broker config
func resolveAddress(c *cli.Context, config *common.SystemConfig) (string, uint16, error) {
	ip, port, err := cmd.ResolveListenAddress(
		c.Args().Slice(), config.Broker.ListenOn, config.Broker.Port,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broker address")
		return "", 0, err
	}
	return ip, port, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Broker subcommand

// startBroker run the notification broker
func startBroker(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	ip, port, err := resolveAddress(c, config)
	if err != nil {
		return err
	}
	config.Broker.ListenOn = ip
	config.Broker.Port = port

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunBroker(runTimeContext, config, cmdArgs.Hostname)
}

// ============================================================================
// Client subcommands

// startProducer run the protocol producer
func startProducer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	ip, port, err := resolveAddress(c, config)
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunProducer(
		runTimeContext,
		net.JoinHostPort(ip, strconv.Itoa(int(port))),
		producerArgs,
		config.Client,
	)
}

// startConsumer run the protocol consumer
func startConsumer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	ip, port, err := resolveAddress(c, config)
	if err != nil {
		return err
	}
	consumerArgs.Subscriptions = c.StringSlice("subscribe")

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	start := time.Now()
	err = cmd.RunConsumer(
		runTimeContext,
		net.JoinHostPort(ip, strconv.Itoa(int(port))),
		consumerArgs,
		config.Client,
		nil,
	)
	log.WithFields(logTags).Infof(
		"Consumer ran for %s", time.Since(start).Round(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("consumer failed: %w", err)
	}
	return nil
}
