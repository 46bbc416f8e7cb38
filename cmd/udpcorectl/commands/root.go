package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpcore/internal/netio"
	"github.com/dantte-lp/udpcore/internal/packet"
	"github.com/dantte-lp/udpcore/internal/transport"
)

var (
	// outputFormat controls the output format for all commands (table, json or yaml).
	outputFormat string

	// bindAddr is the local IPv4 address of the client transport.
	bindAddr string

	// bindPort is the local port of the client transport. Zero is ephemeral.
	bindPort int

	// ipv6Mode is the IPv6 policy: disabled, separate or dual.
	ipv6Mode string

	// nativeSockets selects the raw-syscall socket variant where supported.
	nativeSockets bool

	// verbose enables debug logging from the transport on stderr.
	verbose bool
)

// errBindFailed indicates the client transport could not bind.
var errBindFailed = errors.New("bind failed")

// rootCmd is the top-level cobra command for udpcorectl.
var rootCmd = &cobra.Command{
	Use:   "udpcorectl",
	Short: "CLI client for udpcore transports",
	Long:  "udpcorectl binds a udpcore transport locally to send, broadcast and receive UDP datagrams.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&bindAddr, "bind", "0.0.0.0",
		"local IPv4 address")
	rootCmd.PersistentFlags().IntVar(&bindPort, "port", 0,
		"local UDP port (0 for ephemeral)")
	rootCmd.PersistentFlags().StringVar(&ipv6Mode, "ipv6-mode", "separate",
		"IPv6 policy: disabled, separate, dual")
	rootCmd.PersistentFlags().BoolVar(&nativeSockets, "native", false,
		"use raw-syscall sockets where supported")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log transport activity to stderr")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(broadcastCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bindOptions builds transport bind options from the persistent flags.
func bindOptions() (netio.BindOptions, error) {
	opts := netio.DefaultBindOptions()
	opts.Port = bindPort

	addr, err := netip.ParseAddr(bindAddr)
	if err != nil {
		return netio.BindOptions{}, fmt.Errorf("parse --bind %q: %w", bindAddr, err)
	}
	opts.IPv4 = addr

	mode, err := netio.ParseIPv6Mode(ipv6Mode)
	if err != nil {
		return netio.BindOptions{}, err
	}
	opts.IPv6Mode = mode

	return opts, nil
}

// openTransport creates and binds a transport delivering datagrams to fn.
// fn owns each buffer until it returns; openTransport releases it after.
func openTransport(fn func(payload []byte, from *netio.Endpoint)) (*transport.Transport, error) {
	opts, err := bindOptions()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.DiscardHandler)
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	pool := packet.NewPool()
	sink := transport.SinkFuncs{
		Datagram: func(buf *packet.Buffer, offset int, from *netio.Endpoint) {
			defer pool.Release(buf)
			if fn != nil {
				fn(buf.Data[offset:buf.Size], from)
			}
		},
		Error: func(err error, peer *netio.Endpoint) {
			logger.Warn("transport error",
				slog.String("peer", peer.String()),
				slog.String("error", err.Error()),
			)
		},
	}

	tr := transport.New(sink, logger,
		transport.WithPool(pool),
		transport.WithNativeSockets(nativeSockets),
	)
	if !tr.Bind(opts) {
		return nil, fmt.Errorf("%s port %d: %w", bindAddr, bindPort, errBindFailed)
	}

	return tr, nil
}

// printOut renders v in the selected output format to w.
func printOut(w io.Writer, v tableView) error {
	out, err := render(v, outputFormat)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
