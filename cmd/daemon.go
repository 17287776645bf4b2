/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gostor/goiscsi/pkg/apiserver"
	"github.com/gostor/goiscsi/pkg/config"
	"github.com/gostor/goiscsi/pkg/port"
	_ "github.com/gostor/goiscsi/pkg/port/iscsit"
	_ "github.com/gostor/goiscsi/pkg/scsi/backingstore"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type daemonOptions struct {
	driver             string
	configDir          string
	configFile         string
	logLevel           string
	hosts              []string
	portals            []string
	blockMultipleHosts bool
}

func newDaemonCommand() *cobra.Command {
	var opts daemonOptions
	var cmd = &cobra.Command{
		Use:   "daemon",
		Short: "Setup a daemon",
		Long:  `Run the goiscsi daemon: the iSCSI portals and the admin API`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NoArgs(cmd, args); err != nil {
				return err
			}
			flags := cmd.Flags()
			return createDaemon(opts, flags.Changed("host"), flags.Changed("portal"), flags.Changed("block-multiple-hosts"))
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.logLevel, "log", "info", "Log level of iSCSI target daemon")
	flags.StringVar(&opts.driver, "driver", "iscsi", "SCSI low level driver")
	flags.StringVar(&opts.configDir, "config-dir", config.ConfigDir(), "Directory holding config.{yaml,json,toml}")
	flags.StringVarP(&opts.configFile, "config", "c", "", "Config file, overrides --config-dir")
	flags.StringSliceVarP(&opts.hosts, "host", "H", nil, "Admin API address, PROTO://ADDR")
	flags.StringSliceVar(&opts.portals, "portal", nil, "iSCSI portal address, HOST:PORT")
	flags.BoolVar(&opts.blockMultipleHosts, "block-multiple-hosts", false, "Disable login from multiple hosts")
	return cmd
}

func setLogLevel(level string) error {
	switch level {
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "panic", "fatal", "error":
		log.SetLevel(log.ErrorLevel)
	default:
		return fmt.Errorf("unknown log level: %v", level)
	}
	return nil
}

func loadConfig(opts daemonOptions, hostsSet, portalsSet, blockSet bool) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.LoadFile(opts.configFile)
	} else {
		cfg, err = config.Load(opts.configDir)
	}
	if err != nil {
		return nil, err
	}
	if hostsSet {
		cfg.API.Hosts = opts.hosts
	}
	if portalsSet {
		cfg.Portals = opts.portals
	}
	if blockSet {
		cfg.BlockMultipleHosts = opts.blockMultipleHosts
	}
	return cfg, cfg.Validate()
}

func createDaemon(opts daemonOptions, hostsSet, portalsSet, blockSet bool) error {
	if err := setLogLevel(opts.logLevel); err != nil {
		return err
	}
	cfg, err := loadConfig(opts, hostsSet, portalsSet, blockSet)
	if err != nil {
		log.Error(err)
		return err
	}
	if cfg.File != "" {
		log.Infof("configuration read from %s", cfg.File)
	}

	targetDriver, err := port.NewTargetDriver(opts.driver, cfg)
	if err != nil {
		log.Error(err)
		return err
	}
	for _, portal := range cfg.Portals {
		if _, err := targetDriver.Listen(portal); err != nil {
			log.Error(err)
			targetDriver.Close()
			return err
		}
	}

	serverConfig := &apiserver.Config{
		Addrs: []apiserver.Addr{},
	}
	for _, protoAddr := range cfg.API.Hosts {
		protoAddrParts := strings.SplitN(protoAddr, "://", 2)
		if len(protoAddrParts) != 2 {
			err = fmt.Errorf("bad format %s, expected PROTO://ADDR", protoAddr)
			log.Error(err)
			targetDriver.Close()
			return err
		}
		serverConfig.Addrs = append(serverConfig.Addrs, apiserver.Addr{Proto: protoAddrParts[0], Addr: protoAddrParts[1]})
	}

	s, err := apiserver.New(serverConfig)
	if err != nil {
		log.Error(err)
		targetDriver.Close()
		return err
	}
	s.InitRouters(targetDriver)
	// The serve API routine never exits unless an error occurs
	// We need to start it as a goroutine and wait on it so
	// daemon doesn't exit
	serveAPIWait := make(chan error)
	go s.Wait(serveAPIWait)

	stopAll := make(chan os.Signal, 1)
	signal.Notify(stopAll, syscall.SIGINT, syscall.SIGTERM)

	// Daemon is fully initialized and handling API traffic
	// Wait for serve API job to complete
	select {
	case errAPI := <-serveAPIWait:
		// If we have an error here it is unique to API
		if errAPI != nil {
			log.Warnf("Shutting down due to ServeAPI error: %v", errAPI)
		}
	case sig := <-stopAll:
		log.Infof("received %v, shutting down", sig)
	}
	s.Close()
	return targetDriver.Close()
}
