package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Lord-Y/hastate"
	"github.com/Lord-Y/hastate/logger"
	"github.com/urfave/cli/v3"
)

// server hold all required configuration to start the instance
type server struct {
	// ID of the server
	ID string

	// Host is the address to use by the server
	Host string

	// GRPCPort to use for the stripe
	GRPCPort int

	// HTTPPort to use to handle http requests, 0 disables the api
	HTTPPort int

	// Members are the other servers of the stripe, as id=host:port
	Members []string

	// DataDir is the working directory of this server
	DataDir string

	// ElectionTime is the voting window of an election round
	ElectionTime time.Duration

	// VoterLimit is the maximum number of external voters
	VoterLimit int

	// ConsistencyMode selects the strategy authorizing transitions
	ConsistencyMode string

	// SafeStartup refuses the first promotion until every member is connected
	SafeStartup bool
}

// Server returns the command starting a server
func Server() *cli.Command {
	var app server

	return &cli.Command{
		Name:  "server",
		Usage: "Allow us to start instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "id",
				Usage:       "Id of this instance",
				Required:    true,
				Destination: &app.ID,
			},
			&cli.StringFlag{
				Name:        "host",
				Value:       hastate.GRPCAddress,
				Usage:       "Address used by this instance",
				Destination: &app.Host,
			},
			&cli.IntFlag{
				Name:        "grpc-port",
				Aliases:     []string{"gp"},
				Usage:       "grpc port to use",
				Value:       int(hastate.GRPCPort),
				Destination: &app.GRPCPort,
			},
			&cli.IntFlag{
				Name:        "http-port",
				Aliases:     []string{"hp"},
				Usage:       "http port to use, 0 disables the api",
				Value:       15080,
				Destination: &app.HTTPPort,
			},
			&cli.StringSliceFlag{
				Name:        "member",
				Aliases:     []string{"m"},
				Usage:       "Member of the stripe as id=host:port, this flag is repeatable",
				Destination: &app.Members,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Usage:       "Directory holding the state of this instance",
				Value:       "/tmp/hastate",
				Destination: &app.DataDir,
			},
			&cli.DurationFlag{
				Name:        "election-time",
				Usage:       "Voting window of an election round",
				Value:       5 * time.Second,
				Destination: &app.ElectionTime,
			},
			&cli.IntFlag{
				Name:        "voter-limit",
				Usage:       "Maximum number of external voters",
				Destination: &app.VoterLimit,
			},
			&cli.StringFlag{
				Name:        "consistency-mode",
				Usage:       "Strategy authorizing transitions, one of consistency, availability or diagnostic",
				Value:       string(hastate.ConsistencyQuorum),
				Destination: &app.ConsistencyMode,
			},
			&cli.BoolFlag{
				Name:        "safe-startup",
				Usage:       "Wait for every member before the first promotion",
				Destination: &app.SafeStartup,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return app.start(ctx)
		},
	}
}

// parseMembers converts id=host:port members into peers
func parseMembers(members []string) ([]hastate.Peer, error) {
	peers := make([]hastate.Peer, 0, len(members))
	for _, member := range members {
		id, address, ok := strings.Cut(member, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("member %q must be formatted as id=host:port", member)
		}
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, fmt.Errorf("member %q: %w", member, err)
		}
		peers = append(peers, hastate.Peer{ID: hastate.NodeID(id), Address: address})
	}
	return peers, nil
}

// start runs the server until the process is interrupted
func (s *server) start(ctx context.Context) error {
	peers, err := parseMembers(s.Members)
	if err != nil {
		return err
	}

	options := hastate.Options{
		Logger:          logger.NewLogger(),
		ID:              hastate.NodeID(s.ID),
		Address:         net.TCPAddr{IP: net.ParseIP(s.Host), Port: s.GRPCPort},
		Peers:           peers,
		DataDir:         s.DataDir,
		ElectionTime:    s.ElectionTime,
		VoterLimit:      s.VoterLimit,
		ConsistencyMode: hastate.ConsistencyMode(s.ConsistencyMode),
		SafeStartup:     s.SafeStartup,
	}
	if s.HTTPPort > 0 {
		options.HTTPAddress = net.JoinHostPort(s.Host, fmt.Sprint(s.HTTPPort))
	}

	node, err := hastate.NewNode(options)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	node.Logger.Info().Msg("server started successfully")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	node.Stop()
	node.Logger.Info().Msg("server stopped successfully")
	return nil
}
