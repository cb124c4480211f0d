package main

import (
	"context"

	"xbridge/channel"
	"xbridge/client"
	"xbridge/config"
	"xbridge/fileshare"
	"xbridge/handshake"
	"xbridge/loadbalance"
	"xbridge/peer"
	"xbridge/permission"
	"xbridge/registry"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootCommandeer struct {
	cmd      *cobra.Command
	home     string
	addr     string
	logLevel string
	verbose  bool

	config *config.Config
	logger *zap.Logger
}

func newRootCommandeer() *rootCommandeer {
	commandeer := &rootCommandeer{}

	cmd := &cobra.Command{
		Use:           "xbridge [command]",
		Short:         "Share files with trusted peers over xbridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.initialize()
		},
	}

	cmd.PersistentFlags().StringVar(&commandeer.home, "home", "", "Configuration directory (default $"+config.EnvHome+" or ~/.xbridge)")
	cmd.PersistentFlags().StringVarP(&commandeer.addr, "addr", "a", "", "Server address, host:port or ws:// URL (default: discover through etcd)")
	cmd.PersistentFlags().StringVar(&commandeer.logLevel, "log-level", "", "Log level (default from config)")
	cmd.PersistentFlags().BoolVarP(&commandeer.verbose, "verbose", "v", false, "Verbose output")

	cmd.AddCommand(
		newServeCommandeer(commandeer).cmd,
		newListCommandeer(commandeer).cmd,
		newSendCommandeer(commandeer).cmd,
		newGetCommandeer(commandeer).cmd,
		newRemoveCommandeer(commandeer).cmd,
		newResumeCommandeer(commandeer).cmd,
		newAbortCommandeer(commandeer).cmd,
		newIDCommandeer(commandeer).cmd,
		newTrustCommandeer(commandeer).cmd,
	)

	commandeer.cmd = cmd

	return commandeer
}

// Execute uses os.Args to execute the command
func (rc *rootCommandeer) Execute() error {
	return rc.cmd.Execute()
}

func (rc *rootCommandeer) initialize() error {
	var err error

	home := rc.home
	if home == "" {
		if home, err = config.DefaultDir(); err != nil {
			return err
		}
	}
	if rc.config, err = config.Load(home); err != nil {
		return errors.Wrap(err, "Failed to load configuration")
	}

	level := rc.config.LogLevel
	if rc.logLevel != "" {
		level = rc.logLevel
	}
	if rc.verbose {
		level = "debug"
	}
	if rc.logger, err = config.NewLogger(level); err != nil {
		return errors.Wrap(err, "Failed to create logger")
	}

	rc.logger.Debug("Loaded configuration", zap.String("dir", rc.config.Dir))
	return nil
}

// handshake builds the sealed handshake of this node. checker may be nil.
func (rc *rootCommandeer) handshake(checker handshake.Checker) (*handshake.Sealed, error) {
	identity, err := rc.config.Identity()
	if err != nil {
		return nil, err
	}
	return handshake.NewSealed(identity, checker, rc.config.Version)
}

func (rc *rootCommandeer) permissions() (*permission.List, error) {
	return permission.Load(rc.config.PermissionsPath())
}

func (rc *rootCommandeer) channelOptions(sealed handshake.Protocol) channel.Options {
	return channel.Options{
		Handshake:         sealed,
		CallTimeout:       rc.config.CallTimeout,
		HandshakeTimeout:  rc.config.HandshakeTimeout,
		HeartbeatInterval: rc.config.HeartbeatInterval,
		Logger:            rc.logger,
	}
}

// fileShare connects to the file share. key is the balancing affinity key,
// the session id for commands continuing a session.
func (rc *rootCommandeer) fileShare(ctx context.Context, key string) (*fileshare.PrFileShare, func(), error) {
	sealed, err := rc.handshake(nil)
	if err != nil {
		return nil, nil, err
	}

	opts := client.Options{
		Channel: rc.channelOptions(sealed),
		Logger:  rc.logger,
	}
	var reg *registry.EtcdRegistry
	if rc.addr == "" {
		if len(rc.config.Etcd) == 0 {
			return nil, nil, errors.New("No server address given and no etcd endpoints configured")
		}
		if reg, err = registry.NewEtcdRegistry(rc.config.Etcd, rc.logger); err != nil {
			return nil, nil, err
		}
		if opts.Balancer, err = loadbalance.New(rc.config.Balancer); err != nil {
			reg.Close()
			return nil, nil, err
		}
		opts.Registry = reg
	}

	cli := client.NewClient(opts)
	closeAll := func() {
		cli.Close()
		if reg != nil {
			reg.Close()
		}
	}

	var ch *channel.Channel
	if rc.addr != "" {
		ch, err = cli.Dial(ctx, rc.addr)
	} else {
		ch, err = cli.ConnectKey(ctx, fileshare.ServiceName, key)
	}
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	remote, err := peer.Lookup(ctx, ch, fileshare.ServiceName, fileshare.NewPrFileShare)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	rc.logger.Debug("Connected", zap.String("remote", ch.RemoteAddr()), zap.Stringer("peer", ch.Peer()))
	return remote, closeAll, nil
}
